package repository

import (
	"context"
	"errors"
	"time"

	"pushpay/internal/models"
	"pushpay/pkg/payment"

	"gorm.io/gorm"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("record not found")

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// MarkPending records the provider's acceptance of a reserved payment.
func (r *PaymentRepository) MarkPending(ctx context.Context, internalID string, ack payment.PushAck) error {
	id := ack.ProviderRequestID
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("internal_id = ? AND status = ?", internalID, string(payment.StateInitiated)).
		Updates(map[string]interface{}{
			"provider_request_id": &id,
			"merchant_request_id": ack.MerchantRequestID,
			"status":              string(payment.StatePending),
		}).Error
}

// MarkSubmitFailed finalizes a payment that never reached PENDING.
func (r *PaymentRepository) MarkSubmitFailed(ctx context.Context, internalID, code, message string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("internal_id = ? AND status = ?", internalID, string(payment.StateInitiated)).
		Updates(map[string]interface{}{
			"status":         string(payment.StateFailed),
			"source":         string(payment.SourceSubmit),
			"result_code":    code,
			"result_message": truncate(message, 512),
			"finalized_at":   &at,
		}).Error
}

// Finalize writes a terminal state, only if the row is still open. INITIATED counts as open
// because the PENDING write after acceptance may have been lost; the provider ids are
// written again for that case. It reports whether a row changed.
func (r *PaymentRepository) Finalize(ctx context.Context, pp payment.PendingPayment) (bool, error) {
	at := pp.FinalizedAt
	fields := map[string]interface{}{
		"status":         string(pp.State),
		"source":         string(pp.Source),
		"result_code":    pp.ResultCode,
		"result_message": truncate(pp.ResultMessage, 512),
		"receipt":        pp.Receipt,
		"finalized_at":   &at,
	}
	if pp.ProviderRequestID != "" {
		id := pp.ProviderRequestID
		fields["provider_request_id"] = &id
	}
	if pp.MerchantRequestID != "" {
		fields["merchant_request_id"] = pp.MerchantRequestID
	}
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("internal_id = ? AND status IN ?", pp.InternalID, openStates).
		Updates(fields)
	return res.RowsAffected > 0, res.Error
}

var openStates = []string{string(payment.StateInitiated), string(payment.StatePending)}

func (r *PaymentRepository) TouchChecked(ctx context.Context, providerRequestID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("provider_request_id = ?", providerRequestID).
		Update("last_checked_at", &at).Error
}

func (r *PaymentRepository) GetByInternalID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).Where("internal_id = ?", id).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PaymentRepository) GetByProviderRequestID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).Where("provider_request_id = ?", id).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// LatestByReference returns the newest payment for ref. An empty provider matches any.
func (r *PaymentRepository) LatestByReference(ctx context.Context, provider payment.Provider, ref string) (*models.Payment, error) {
	q := r.db.WithContext(ctx).Where("account_reference = ?", ref)
	if provider != "" {
		q = q.Where("provider = ?", string(provider))
	}
	var p models.Payment
	if err := q.Order("created_at DESC, id DESC").First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListPending returns PENDING rows created after since, oldest first.
func (r *PaymentRepository) ListPending(ctx context.Context, since time.Time) ([]models.Payment, error) {
	var list []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at >= ? AND provider_request_id IS NOT NULL", string(payment.StatePending), since).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
