package payment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPhoneFormat = errors.New("invalid phone format")
	ErrDuplicateReference = errors.New("an active payment already exists for this reference")
	ErrAlreadyFinalized   = errors.New("payment already finalized")
	ErrUnknownRequest     = errors.New("unknown provider request id")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrBadSignature       = errors.New("callback signature mismatch")
)

// ConfigError reports missing or invalid provider credentials. It is fatal at startup.
type ConfigError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("config: provider %s: %s %s", e.Provider, e.Field, e.Reason)
}

// ValidationError is a caller input problem other than the phone number.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError means the client-credentials exchange failed.
type AuthError struct {
	Provider   Provider
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s token: %v", e.Provider, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s token: http %d: %s", e.Provider, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s token: malformed response", e.Provider)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is a network, timeout or 5xx failure. Callers may retry it.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a provider-level refusal. It is terminal and carries the provider's message verbatim.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by provider (%s): %s", e.Code, e.Message)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a terminal provider refusal.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
