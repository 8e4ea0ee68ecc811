// Package config loads service configuration from the environment and an optional .env
// file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"pushpay/pkg/payment"

	"github.com/spf13/viper"
)

const defaultAccessSecret = "change-me-in-production"

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Payments  PaymentsConfig
	Providers []payment.Profile
}

// ServerConfig holds the HTTP listener settings. Only TrustedProxies may set
// X-Forwarded-For; when empty the client IP is always the peer address, which the
// callback IP allowlists depend on.
type ServerConfig struct {
	Port           string
	Env            string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TrustedProxies []string
}

type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
	Issuer       string
}

// PaymentsConfig tunes the push lifecycle shared by every provider.
type PaymentsConfig struct {
	PollInterval   time.Duration
	QueryAfter     time.Duration // first status query once a push is this old
	ExpireAfter    time.Duration
	GracePeriod    time.Duration // terminal payments stay in memory this long
	QueryTimeout   time.Duration
	PollWorkers    int
	SubmitAttempts uint
	SubmitBackoff  time.Duration
	TokenSkew      time.Duration
	TokenAttempts  uint
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AwaitMax       time.Duration
	InitiateRPM    int // per caller
	CallbackRPM    int // per source IP
}

// Load reads .env (if present), then the environment. Provider sections are read from
// PROVIDERS_<NAME>_* keys for every name in PROVIDERS.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8099")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("READ_TIMEOUT", "10s")
	v.SetDefault("WRITE_TIMEOUT", "40s")
	v.SetDefault("DATABASE_DSN", "pushpay:pushpay@tcp(localhost:3306)/pushpay?charset=utf8mb4&parseTime=True&loc=UTC")
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 10)
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 100)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("JWT_ACCESS_SECRET", defaultAccessSecret)
	v.SetDefault("JWT_ACCESS_EXPIRY", "720h")
	v.SetDefault("JWT_ISSUER", "pushpay")
	v.SetDefault("POLL_INTERVAL", "10s")
	v.SetDefault("QUERY_AFTER", "30s")
	v.SetDefault("EXPIRE_AFTER", "3m")
	v.SetDefault("GRACE_PERIOD", "10m")
	v.SetDefault("QUERY_TIMEOUT", "15s")
	v.SetDefault("POLL_WORKERS", 4)
	v.SetDefault("SUBMIT_ATTEMPTS", 3)
	v.SetDefault("SUBMIT_BACKOFF", "1s")
	v.SetDefault("TOKEN_SKEW", "60s")
	v.SetDefault("TOKEN_ATTEMPTS", 2)
	v.SetDefault("HTTP_CONNECT_TIMEOUT", "10s")
	v.SetDefault("HTTP_REQUEST_TIMEOUT", "30s")
	v.SetDefault("AWAIT_MAX", "30s")
	v.SetDefault("INITIATE_RPM", 60)
	v.SetDefault("CALLBACK_RPM", 600)
	v.SetDefault("PROVIDERS", "mpesa")

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("PORT"),
			Env:            v.GetString("APP_ENV"),
			ReadTimeout:    v.GetDuration("READ_TIMEOUT"),
			WriteTimeout:   v.GetDuration("WRITE_TIMEOUT"),
			TrustedProxies: splitList(v.GetString("TRUSTED_PROXIES")),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("DATABASE_DSN"),
			MaxIdleConns:    v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			MaxOpenConns:    v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			ConnMaxLifetime: v.GetDuration("DATABASE_CONN_MAX_LIFETIME"),
		},
		JWT: JWTConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
			AccessExpiry: v.GetDuration("JWT_ACCESS_EXPIRY"),
			Issuer:       v.GetString("JWT_ISSUER"),
		},
		Payments: PaymentsConfig{
			PollInterval:   v.GetDuration("POLL_INTERVAL"),
			QueryAfter:     v.GetDuration("QUERY_AFTER"),
			ExpireAfter:    v.GetDuration("EXPIRE_AFTER"),
			GracePeriod:    v.GetDuration("GRACE_PERIOD"),
			QueryTimeout:   v.GetDuration("QUERY_TIMEOUT"),
			PollWorkers:    v.GetInt("POLL_WORKERS"),
			SubmitAttempts: v.GetUint("SUBMIT_ATTEMPTS"),
			SubmitBackoff:  v.GetDuration("SUBMIT_BACKOFF"),
			TokenSkew:      v.GetDuration("TOKEN_SKEW"),
			TokenAttempts:  v.GetUint("TOKEN_ATTEMPTS"),
			ConnectTimeout: v.GetDuration("HTTP_CONNECT_TIMEOUT"),
			RequestTimeout: v.GetDuration("HTTP_REQUEST_TIMEOUT"),
			AwaitMax:       v.GetDuration("AWAIT_MAX"),
			InitiateRPM:    v.GetInt("INITIATE_RPM"),
			CallbackRPM:    v.GetInt("CALLBACK_RPM"),
		},
	}

	for _, name := range splitList(v.GetString("PROVIDERS")) {
		p, err := loadProvider(v, strings.ToLower(name))
		if err != nil {
			return nil, err
		}
		cfg.Providers = append(cfg.Providers, p)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadProvider(v *viper.Viper, name string) (payment.Profile, error) {
	key := func(k string) string { return "PROVIDERS_" + strings.ToUpper(name) + "_" + k }
	v.SetDefault(key("DIALECT"), "daraja")
	v.SetDefault(key("COUNTRY_CODE"), "254")
	v.SetDefault(key("CURRENCY"), "KES")
	v.SetDefault(key("AMOUNT_SCALE"), 1)
	v.SetDefault(key("CONFIRM_CALLBACKS"), false)

	p := payment.Profile{
		Name:              payment.Provider(name),
		Dialect:           strings.ToLower(v.GetString(key("DIALECT"))),
		BaseURL:           v.GetString(key("BASE_URL")),
		TokenPath:         v.GetString(key("TOKEN_PATH")),
		PushPath:          v.GetString(key("PUSH_PATH")),
		QueryPath:         v.GetString(key("QUERY_PATH")),
		TokenStyle:        v.GetString(key("TOKEN_STYLE")),
		ConsumerKey:       v.GetString(key("CONSUMER_KEY")),
		ConsumerSecret:    v.GetString(key("CONSUMER_SECRET")),
		ShortCode:         v.GetString(key("SHORTCODE")),
		PassKey:           v.GetString(key("PASSKEY")),
		TransactionType:   v.GetString(key("TRANSACTION_TYPE")),
		Currency:          v.GetString(key("CURRENCY")),
		CallbackURL:       v.GetString(key("CALLBACK_URL")),
		CallbackSecret:    v.GetString(key("CALLBACK_SECRET")),
		CallbackTokenHash: v.GetString(key("CALLBACK_TOKEN_HASH")),
		AllowedIPs:        splitList(v.GetString(key("ALLOWED_IPS"))),
		ConfirmCallbacks:  v.GetBool(key("CONFIRM_CALLBACKS")),
		CountryCode:       v.GetString(key("COUNTRY_CODE")),
		DescriptionLimit:  v.GetInt(key("DESCRIPTION_LIMIT")),
		ReferenceLimit:    v.GetInt(key("REFERENCE_LIMIT")),
		AmountScale:       v.GetInt64(key("AMOUNT_SCALE")),
	}

	switch tz := v.GetString(key("TIMEZONE")); {
	case tz != "":
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return p, &payment.ConfigError{Provider: name, Field: "timezone", Reason: err.Error()}
		}
		p.Location = loc
	case p.Dialect == "daraja":
		// Daraja timestamps are East Africa Time, which has no DST.
		p.Location = time.FixedZone("EAT", 3*60*60)
	}

	if _, err := payment.LookupDialect(p.Dialect); err != nil {
		return p, &payment.ConfigError{Provider: name, Field: "dialect", Reason: "unknown dialect " + p.Dialect}
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return &payment.ConfigError{Field: "PROVIDERS", Reason: "must name at least one provider"}
	}
	seen := make(map[payment.Provider]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return &payment.ConfigError{Provider: string(p.Name), Field: "PROVIDERS", Reason: "listed twice"}
		}
		seen[p.Name] = true
	}
	pc := c.Payments
	if pc.PollInterval <= 0 || pc.QueryAfter <= 0 || pc.QueryTimeout <= 0 {
		return errors.New("config: POLL_INTERVAL, QUERY_AFTER and QUERY_TIMEOUT must be positive")
	}
	if pc.ExpireAfter <= pc.QueryAfter {
		return fmt.Errorf("config: EXPIRE_AFTER (%s) must exceed QUERY_AFTER (%s)", pc.ExpireAfter, pc.QueryAfter)
	}
	if pc.PollWorkers < 1 {
		return errors.New("config: POLL_WORKERS must be at least 1")
	}
	if pc.SubmitAttempts < 1 {
		return errors.New("config: SUBMIT_ATTEMPTS must be at least 1")
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			if _, err := netip.ParseAddr(p); err != nil {
				return fmt.Errorf("config: TRUSTED_PROXIES entry %q is not an IP or CIDR", p)
			}
		}
	}
	if c.Server.Env == "production" && c.JWT.AccessSecret == defaultAccessSecret {
		return errors.New("config: JWT_ACCESS_SECRET must be set when APP_ENV=production")
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
