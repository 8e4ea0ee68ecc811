package models

import (
	"time"

	"pushpay/pkg/payment"
)

// Payment is the durable copy of a push payment. The in-memory registry forgets terminal
// payments after a grace period; this row does not.
type Payment struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	InternalID        string     `gorm:"size:36;uniqueIndex;not null" json:"internal_id"`
	Provider          string     `gorm:"size:50;not null;index:idx_payment_ref" json:"provider"`
	AccountReference  string     `gorm:"size:64;not null;index:idx_payment_ref" json:"account_reference"`
	ProviderRequestID *string    `gorm:"size:255;uniqueIndex" json:"provider_request_id"` // nil until the provider accepts the push
	MerchantRequestID string     `gorm:"size:255" json:"merchant_request_id"`
	MSISDN            string     `gorm:"size:20" json:"msisdn"`
	AmountMinor       int64      `gorm:"not null" json:"amount"`
	Description       string     `gorm:"size:255" json:"description"`
	Status            string     `gorm:"size:20;not null;index" json:"status"` // INITIATED, PENDING, SETTLED, FAILED, EXPIRED
	Source            string     `gorm:"size:20" json:"source"`
	ResultCode        string     `gorm:"size:64" json:"result_code"`
	ResultMessage     string     `gorm:"size:512" json:"result_message"`
	Receipt           string     `gorm:"size:64" json:"receipt"`
	CallerID          string     `gorm:"size:100;index" json:"caller_id"`
	LastCheckedAt     *time.Time `json:"last_checked_at"`
	FinalizedAt       *time.Time `json:"finalized_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// NewPayment builds the row for a freshly reserved payment.
func NewPayment(pp payment.PendingPayment) *Payment {
	return &Payment{
		InternalID:       pp.InternalID,
		Provider:         string(pp.Intent.Provider),
		AccountReference: pp.Intent.AccountReference,
		MSISDN:           pp.MSISDN,
		AmountMinor:      pp.Intent.Amount,
		Description:      pp.Intent.Description,
		Status:           string(pp.State),
		CallerID:         pp.CallerID,
		CreatedAt:        pp.CreatedAt,
	}
}

// Pending converts the row back into the registry's view.
func (p *Payment) Pending() payment.PendingPayment {
	pp := payment.PendingPayment{
		InternalID:        p.InternalID,
		CallerID:          p.CallerID,
		MerchantRequestID: p.MerchantRequestID,
		Intent: payment.PaymentIntent{
			Provider:         payment.Provider(p.Provider),
			PhoneRaw:         p.MSISDN,
			Amount:           p.AmountMinor,
			AccountReference: p.AccountReference,
			Description:      p.Description,
		},
		MSISDN:        p.MSISDN,
		State:         payment.State(p.Status),
		Source:        payment.Source(p.Source),
		ResultCode:    p.ResultCode,
		ResultMessage: p.ResultMessage,
		Receipt:       p.Receipt,
		CreatedAt:     p.CreatedAt,
	}
	if p.ProviderRequestID != nil {
		pp.ProviderRequestID = *p.ProviderRequestID
	}
	if p.LastCheckedAt != nil {
		pp.LastCheckedAt = *p.LastCheckedAt
	}
	if p.FinalizedAt != nil {
		pp.FinalizedAt = *p.FinalizedAt
	}
	return pp
}
