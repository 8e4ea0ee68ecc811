package payment

import (
	"context"
	"time"
)

// Provider names a configured mobile-money provider (e.g. "mpesa").
type Provider string

// State is the lifecycle state of a push payment.
type State string

const (
	StateInitiated State = "INITIATED"
	StatePending   State = "PENDING"
	StateSettled   State = "SETTLED"
	StateFailed    State = "FAILED"
	StateExpired   State = "EXPIRED"

	// StatusNotFound is reported by status lookups for references with no known payment.
	StatusNotFound State = "NOT_FOUND"
)

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateExpired
}

// Source records which actor moved a payment into its terminal state.
type Source string

const (
	SourceSubmit   Source = "submit"
	SourceCallback Source = "callback"
	SourcePoll     Source = "poll"
	SourceExpiry   Source = "expiry"
)

// PaymentIntent is the caller's request to collect Amount from the phone owner.
// Amount is in the smallest currency unit.
type PaymentIntent struct {
	Provider         Provider `json:"provider" validate:"required"`
	PhoneRaw         string   `json:"phone" validate:"required"`
	Amount           int64    `json:"amount" validate:"gt=0"`
	AccountReference string   `json:"account_reference" validate:"required,printascii"`
	Description      string   `json:"description"`
}

// PushAck is the provider's synchronous acceptance of a push.
type PushAck struct {
	ProviderRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

// PushStatus is the provider's answer to a status query.
type PushStatus struct {
	State         State
	ResultCode    string
	ResultMessage string
}

// Definitive reports whether the status settles the payment one way or the other.
func (s PushStatus) Definitive() bool {
	return s.State.Terminal()
}

// CallbackResult is a provider notification decoded by a Dialect.
type CallbackResult struct {
	ProviderRequestID string
	MerchantRequestID string
	State             State
	ResultCode        string
	ResultMessage     string
	Receipt           string
	Amount            int64
	MSISDN            string
}

// Status converts the callback into the equivalent query answer.
func (c CallbackResult) Status() PushStatus {
	return PushStatus{State: c.State, ResultCode: c.ResultCode, ResultMessage: c.ResultMessage}
}

// PendingPayment tracks one push from submission to its terminal state.
type PendingPayment struct {
	InternalID        string        `json:"internal_id"`
	CallerID          string        `json:"caller_id,omitempty"`
	ProviderRequestID string        `json:"provider_request_id,omitempty"`
	MerchantRequestID string        `json:"merchant_request_id,omitempty"`
	Intent            PaymentIntent `json:"intent"`
	MSISDN            string        `json:"msisdn"`
	State             State         `json:"state"`
	Source            Source        `json:"source,omitempty"`
	ResultCode        string        `json:"result_code,omitempty"`
	ResultMessage     string        `json:"result_message,omitempty"`
	Receipt           string        `json:"receipt,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastCheckedAt     time.Time     `json:"last_checked_at,omitempty"`
	FinalizedAt       time.Time     `json:"finalized_at,omitempty"`
}

// Result carries the outcome applied by a terminal transition.
type Result struct {
	Code    string
	Message string
	Receipt string
	Source  Source
}

// Gateway talks to one provider's push and status endpoints.
type Gateway interface {
	Initiate(ctx context.Context, req ProviderRequest) (PushAck, error)
	Query(ctx context.Context, providerRequestID string) (PushStatus, error)
}
