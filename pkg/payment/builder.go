package payment

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// ProviderRequest is a fully built push, ready for Gateway.Initiate.
type ProviderRequest struct {
	Provider  Provider
	Reference string
	Timestamp string
	Payload   any
}

// PushFields are the generic values a dialect maps onto its wire format.
type PushFields struct {
	ShortCode        string
	Timestamp        string
	Amount           int64
	MSISDN           string
	AccountReference string
	Description      string
	CallbackURL      string
}

// Builder turns intents into signed provider requests. It is deterministic for a given
// timestamp and has no side effects.
type Builder struct {
	profile Profile
	dialect Dialect
}

func NewBuilder(profile Profile, dialect Dialect) *Builder {
	return &Builder{profile: profile.WithDefaults(dialect), dialect: dialect}
}

// Build assembles the wire request. The description is cut to the provider limit.
func (b *Builder) Build(intent PaymentIntent, phone NormalizedPhone, ts time.Time) (ProviderRequest, error) {
	p := b.profile
	if intent.Provider != p.Name {
		return ProviderRequest{}, &ValidationError{Field: "provider", Reason: fmt.Sprintf("builder for %s got %s", p.Name, intent.Provider)}
	}
	if phone.String() == "" {
		return ProviderRequest{}, ErrInvalidPhoneFormat
	}
	if intent.Amount <= 0 {
		return ProviderRequest{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if intent.Amount%p.AmountScale != 0 {
		return ProviderRequest{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be a multiple of %d", p.AmountScale)}
	}
	ref := intent.AccountReference
	if ref == "" {
		return ProviderRequest{}, &ValidationError{Field: "account_reference", Reason: "is required"}
	}
	if p.ReferenceLimit > 0 && utf8.RuneCountInString(ref) > p.ReferenceLimit {
		return ProviderRequest{}, &ValidationError{Field: "account_reference", Reason: fmt.Sprintf("longer than %d characters", p.ReferenceLimit)}
	}

	desc := Truncate(intent.Description, p.DescriptionLimit)
	if desc == "" {
		desc = Truncate(ref, p.DescriptionLimit)
	}

	stamp := p.Timestamp(ts)
	payload, err := b.dialect.PushPayload(p, PushFields{
		ShortCode:        p.ShortCode,
		Timestamp:        stamp,
		Amount:           intent.Amount / p.AmountScale,
		MSISDN:           phone.String(),
		AccountReference: ref,
		Description:      desc,
		CallbackURL:      p.CallbackURL,
	})
	if err != nil {
		return ProviderRequest{}, err
	}
	return ProviderRequest{
		Provider:  p.Name,
		Reference: ref,
		Timestamp: stamp,
		Payload:   payload,
	}, nil
}

// Truncate cuts s to at most n runes. n <= 0 leaves s untouched.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
