package payment

import (
	"net/http"
	"strings"
	"time"
)

// Token endpoint styles.
const (
	TokenStyleDaraja = "daraja" // GET ?grant_type=client_credentials with basic auth
	TokenStyleOAuth2 = "oauth2" // standard form POST client-credentials grant
	TokenStyleNone   = "none"
)

// Profile is everything the subsystem knows about one provider: credentials from the
// credential store plus the wire limits of its dialect.
type Profile struct {
	Name              Provider
	Dialect           string
	BaseURL           string
	TokenPath         string
	PushPath          string
	QueryPath         string
	TokenStyle        string
	ConsumerKey       string
	ConsumerSecret    string
	ShortCode         string
	PassKey           string
	TransactionType   string
	Currency          string
	CallbackURL       string
	CallbackSecret    string
	CallbackTokenHash string
	AllowedIPs        []string
	ConfirmCallbacks  bool
	CountryCode       string
	DescriptionLimit  int
	ReferenceLimit    int
	AmountScale       int64
	Location          *time.Location
}

// DialectDefaults are the paths and limits a dialect uses when config leaves them empty.
type DialectDefaults struct {
	TokenPath        string
	PushPath         string
	QueryPath        string
	TokenStyle       string
	DescriptionLimit int
	ReferenceLimit   int
}

// Dialect is the wire codec for one provider API family.
type Dialect interface {
	Name() string
	Defaults() DialectDefaults
	PushPayload(p Profile, f PushFields) (any, error)
	DecodePush(status int, body []byte) (PushAck, error)
	QueryRequest(p Profile, providerRequestID string, ts time.Time) (method, path string, payload any)
	DecodeQuery(status int, body []byte) (PushStatus, error)
	// TokenRejected reports whether a response means the bearer token was refused.
	TokenRejected(status int, body []byte) bool
	ParseCallback(body []byte) (CallbackResult, error)
	// Signed reports whether callbacks carry a verifiable signature.
	Signed() bool
	VerifyCallback(p Profile, body []byte, h http.Header) error
	CallbackAck() any
}

var dialects = map[string]Dialect{
	"daraja": darajaDialect{},
	"hmac":   hmacDialect{},
	"stub":   stubDialect{},
}

// LookupDialect returns the registered dialect called name.
func LookupDialect(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, &ConfigError{Field: "dialect", Reason: "unknown dialect " + name}
	}
	return d, nil
}

// WithDefaults fills empty paths and limits from d.
func (p Profile) WithDefaults(d Dialect) Profile {
	def := d.Defaults()
	if p.TokenPath == "" {
		p.TokenPath = def.TokenPath
	}
	if p.PushPath == "" {
		p.PushPath = def.PushPath
	}
	if p.QueryPath == "" {
		p.QueryPath = def.QueryPath
	}
	if p.TokenStyle == "" {
		p.TokenStyle = def.TokenStyle
	}
	if p.DescriptionLimit == 0 {
		p.DescriptionLimit = def.DescriptionLimit
	}
	if p.ReferenceLimit == 0 {
		p.ReferenceLimit = def.ReferenceLimit
	}
	if p.AmountScale == 0 {
		p.AmountScale = 1
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	return p
}

// Validate checks the credentials a live dialect cannot work without.
func (p Profile) Validate() error {
	name := string(p.Name)
	if name == "" {
		return &ConfigError{Field: "name", Reason: "is required"}
	}
	if p.Dialect == "stub" {
		if p.CountryCode == "" {
			return &ConfigError{Provider: name, Field: "country_code", Reason: "is required"}
		}
		return nil
	}
	required := []struct {
		field, value string
	}{
		{"base_url", p.BaseURL},
		{"consumer_key", p.ConsumerKey},
		{"consumer_secret", p.ConsumerSecret},
		{"shortcode", p.ShortCode},
		{"passkey", p.PassKey},
		{"callback_url", p.CallbackURL},
		{"country_code", p.CountryCode},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigError{Provider: name, Field: r.field, Reason: "is required"}
		}
	}
	if !strings.HasPrefix(p.BaseURL, "https://") && !strings.HasPrefix(p.BaseURL, "http://") {
		return &ConfigError{Provider: name, Field: "base_url", Reason: "must be an absolute URL"}
	}
	if p.Dialect == "hmac" && p.CallbackSecret == "" {
		return &ConfigError{Provider: name, Field: "callback_secret", Reason: "is required for signed callbacks"}
	}
	if p.AmountScale < 0 {
		return &ConfigError{Provider: name, Field: "amount_scale", Reason: "must be positive"}
	}
	return nil
}

// URL joins the base URL and an endpoint path.
func (p Profile) URL(path string) string {
	return strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Timestamp formats t the way push passwords and signatures expect it.
func (p Profile) Timestamp(t time.Time) string {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("20060102150405")
}
