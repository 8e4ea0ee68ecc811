package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"pushpay/internal/metrics"
	"pushpay/internal/models"
	"pushpay/internal/registry"
	"pushpay/internal/repository"
	"pushpay/pkg/payment"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPaymentNotFound is returned for internal ids nobody has seen.
var ErrPaymentNotFound = errors.New("payment not found")

// storeTimeout bounds ledger writes made after the caller's request may be gone.
const storeTimeout = 5 * time.Second

// PaymentStore is the durable payment ledger.
type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	MarkPending(ctx context.Context, internalID string, ack payment.PushAck) error
	MarkSubmitFailed(ctx context.Context, internalID, code, message string, at time.Time) error
	Finalize(ctx context.Context, pp payment.PendingPayment) (bool, error)
	TouchChecked(ctx context.Context, providerRequestID string, at time.Time) error
	GetByInternalID(ctx context.Context, id string) (*models.Payment, error)
	GetByProviderRequestID(ctx context.Context, id string) (*models.Payment, error)
	LatestByReference(ctx context.Context, provider payment.Provider, ref string) (*models.Payment, error)
	ListPending(ctx context.Context, since time.Time) ([]models.Payment, error)
}

// Publisher fans status changes out to stream subscribers of a reference. Only the
// owning caller's subscribers (and admins) receive an event.
type Publisher interface {
	Publish(reference, callerID string, payload any)
}

// Viewer is the caller reading a payment. Admins see every payment; everyone else only
// sees the payments they initiated.
type Viewer struct {
	CallerID string
	Admin    bool
}

func (v Viewer) canSee(pp payment.PendingPayment) bool {
	return v.Admin || pp.CallerID == v.CallerID
}

// Channel is everything needed to push through one provider.
type Channel struct {
	Profile payment.Profile
	Dialect payment.Dialect
	Gateway payment.Gateway
	Builder *payment.Builder
}

func NewChannel(profile payment.Profile, dialect payment.Dialect, gw payment.Gateway) *Channel {
	profile = profile.WithDefaults(dialect)
	return &Channel{
		Profile: profile,
		Dialect: dialect,
		Gateway: gw,
		Builder: payment.NewBuilder(profile, dialect),
	}
}

type PaymentOptions struct {
	SubmitAttempts uint
	SubmitBackoff  time.Duration
	Now            func() time.Time
}

// StatusView is the caller-facing shape of a payment.
type StatusView struct {
	InternalID        string        `json:"internal_id,omitempty"`
	Provider          string        `json:"provider,omitempty"`
	AccountReference  string        `json:"account_reference"`
	ProviderRequestID string        `json:"provider_request_id,omitempty"`
	Status            payment.State `json:"status"`
	Source            string        `json:"source,omitempty"`
	ResultCode        string        `json:"result_code,omitempty"`
	ResultMessage     string        `json:"result_message,omitempty"`
	Receipt           string        `json:"receipt,omitempty"`
	Amount            int64         `json:"amount,omitempty"`
	MSISDN            string        `json:"msisdn,omitempty"`
	CreatedAt         *time.Time    `json:"created_at,omitempty"`
	FinalizedAt       *time.Time    `json:"finalized_at,omitempty"`
}

// NewStatusView reports INITIATED as PENDING: callers only see the push lifecycle.
func NewStatusView(pp payment.PendingPayment) StatusView {
	v := StatusView{
		InternalID:        pp.InternalID,
		Provider:          string(pp.Intent.Provider),
		AccountReference:  pp.Intent.AccountReference,
		ProviderRequestID: pp.ProviderRequestID,
		Status:            pp.State,
		Source:            string(pp.Source),
		ResultCode:        pp.ResultCode,
		ResultMessage:     pp.ResultMessage,
		Receipt:           pp.Receipt,
		Amount:            pp.Intent.Amount,
		MSISDN:            pp.MSISDN,
	}
	if v.Status == payment.StateInitiated {
		v.Status = payment.StatePending
	}
	if !pp.CreatedAt.IsZero() {
		t := pp.CreatedAt
		v.CreatedAt = &t
	}
	if !pp.FinalizedAt.IsZero() {
		t := pp.FinalizedAt
		v.FinalizedAt = &t
	}
	return v
}

// PaymentService initiates pushes and reports their outcome.
type PaymentService struct {
	channels  map[payment.Provider]*Channel
	registry  *registry.Registry
	store     PaymentStore
	audit     *AuditWriter
	publisher Publisher
	validate  *validator.Validate
	opts      PaymentOptions
	logger    *zap.Logger

	wmu     sync.Mutex
	waiters map[string][]chan payment.PendingPayment
}

func NewPaymentService(channels []*Channel, reg *registry.Registry, store PaymentStore, audit *AuditWriter, publisher Publisher, opts PaymentOptions, logger *zap.Logger) *PaymentService {
	if opts.SubmitAttempts == 0 {
		opts.SubmitAttempts = 1
	}
	if opts.SubmitBackoff == 0 {
		opts.SubmitBackoff = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	s := &PaymentService{
		channels:  make(map[payment.Provider]*Channel, len(channels)),
		registry:  reg,
		store:     store,
		audit:     audit,
		publisher: publisher,
		validate:  v,
		opts:      opts,
		logger:    logger,
		waiters:   make(map[string][]chan payment.PendingPayment),
	}
	for _, ch := range channels {
		s.channels[ch.Profile.Name] = ch
	}
	reg.Subscribe(s.onFinalized)
	return s
}

// Channel returns the configured channel for provider.
func (s *PaymentService) Channel(provider payment.Provider) (*Channel, bool) {
	ch, ok := s.channels[provider]
	return ch, ok
}

// Initiate validates the intent, submits the push and registers it as PENDING. Input
// problems are returned before any network call; provider refusals come back as
// *payment.RejectedError and exhausted retries as *payment.TransientError.
func (s *PaymentService) Initiate(ctx context.Context, intent payment.PaymentIntent, callerID string) (payment.PendingPayment, error) {
	if err := s.validate.Struct(intent); err != nil {
		return payment.PendingPayment{}, validationError(err)
	}
	ch, ok := s.channels[intent.Provider]
	if !ok {
		return payment.PendingPayment{}, fmt.Errorf("%w: %s", payment.ErrUnknownProvider, intent.Provider)
	}
	phone, err := payment.Normalize(intent.PhoneRaw, ch.Profile.CountryCode)
	if err != nil {
		return payment.PendingPayment{}, err
	}
	now := s.opts.Now()
	req, err := ch.Builder.Build(intent, phone, now)
	if err != nil {
		return payment.PendingPayment{}, err
	}

	pp := payment.PendingPayment{
		InternalID: uuid.NewString(),
		CallerID:   callerID,
		Intent:     intent,
		MSISDN:     phone.String(),
		State:      payment.StateInitiated,
		CreatedAt:  now,
	}
	log := s.logger.With(
		zap.String("provider", string(intent.Provider)),
		zap.String("reference", intent.AccountReference),
		zap.String("internal_id", pp.InternalID))

	if err := s.registry.Reserve(pp); err != nil {
		if errors.Is(err, payment.ErrDuplicateReference) {
			metrics.Initiations.WithLabelValues(string(intent.Provider), "duplicate").Inc()
		}
		return payment.PendingPayment{}, err
	}
	if err := s.store.Create(ctx, models.NewPayment(pp)); err != nil {
		s.registry.Release(pp.InternalID)
		return payment.PendingPayment{}, fmt.Errorf("persist payment: %w", err)
	}

	start := time.Now()
	ack, err := s.submit(ctx, ch, req)
	metrics.SubmitDuration.WithLabelValues(string(intent.Provider)).Observe(time.Since(start).Seconds())
	if err != nil {
		s.registry.Release(pp.InternalID)
		code, msg, outcome := "", err.Error(), "transient"
		var re *payment.RejectedError
		if errors.As(err, &re) {
			code, msg, outcome = re.Code, re.Message, "rejected"
		} else if !payment.IsTransient(err) {
			err = &payment.TransientError{Op: "initiate", Err: err}
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		if serr := s.store.MarkSubmitFailed(sctx, pp.InternalID, code, msg, s.opts.Now()); serr != nil {
			log.Error("record failed submission", zap.Error(serr))
		}
		cancel()
		metrics.Initiations.WithLabelValues(string(intent.Provider), outcome).Inc()
		log.Warn("push initiation failed", zap.String("outcome", outcome), zap.Error(err))
		return payment.PendingPayment{}, err
	}

	pp.ProviderRequestID = ack.ProviderRequestID
	pp.MerchantRequestID = ack.MerchantRequestID
	pp.State = payment.StatePending
	if err := s.registry.Register(pp); err != nil {
		s.registry.Release(pp.InternalID)
		log.Error("register accepted push", zap.String("provider_request_id", ack.ProviderRequestID), zap.Error(err))
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		if serr := s.store.MarkSubmitFailed(sctx, pp.InternalID, "", "register: "+err.Error(), s.opts.Now()); serr != nil {
			log.Error("record unregistered push", zap.Error(serr))
		}
		cancel()
		metrics.Initiations.WithLabelValues(string(intent.Provider), "error").Inc()
		return payment.PendingPayment{}, err
	}
	// A failed write leaves the row INITIATED; Finalize still settles it from there.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	if err := s.store.MarkPending(sctx, pp.InternalID, ack); err != nil {
		log.Error("record accepted push", zap.Error(err))
	}
	cancel()

	metrics.Initiations.WithLabelValues(string(intent.Provider), "accepted").Inc()
	log.Info("push pending", zap.String("provider_request_id", ack.ProviderRequestID))
	s.publish(pp)
	return pp, nil
}

// submit sends the push, retrying transient failures with exponential backoff.
func (s *PaymentService) submit(ctx context.Context, ch *Channel, req payment.ProviderRequest) (payment.PushAck, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.SubmitBackoff
	b.Multiplier = 2
	return backoff.Retry(ctx, func() (payment.PushAck, error) {
		ack, err := ch.Gateway.Initiate(ctx, req)
		if err != nil && !payment.IsTransient(err) {
			return ack, backoff.Permanent(err)
		}
		return ack, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.opts.SubmitAttempts))
}

// onFinalized runs for every terminal registry transition.
func (s *PaymentService) onFinalized(pp payment.PendingPayment) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	changed, err := s.store.Finalize(ctx, pp)
	switch {
	case err != nil:
		s.logger.Error("persist terminal state",
			zap.String("internal_id", pp.InternalID),
			zap.String("state", string(pp.State)),
			zap.Error(err))
	case !changed:
		s.logger.Warn("terminal state matched no open ledger row",
			zap.String("internal_id", pp.InternalID),
			zap.String("state", string(pp.State)))
	}
	metrics.Finalizations.WithLabelValues(string(pp.Intent.Provider), string(pp.State), string(pp.Source)).Inc()
	s.logger.Info("payment finalized",
		zap.String("internal_id", pp.InternalID),
		zap.String("provider_request_id", pp.ProviderRequestID),
		zap.String("reference", pp.Intent.AccountReference),
		zap.String("state", string(pp.State)),
		zap.String("source", string(pp.Source)),
		zap.String("result_code", pp.ResultCode))

	s.wmu.Lock()
	ws := s.waiters[pp.InternalID]
	delete(s.waiters, pp.InternalID)
	s.wmu.Unlock()
	for _, w := range ws {
		w <- pp
	}
	s.publish(pp)
}

func (s *PaymentService) publish(pp payment.PendingPayment) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(pp.Intent.AccountReference, pp.CallerID, map[string]any{
		"type":    "payment.status",
		"payment": NewStatusView(pp),
	})
}

// Get returns the payment with internalID from memory or the ledger. Payments v cannot
// see are reported as ErrPaymentNotFound.
func (s *PaymentService) Get(ctx context.Context, v Viewer, internalID string) (payment.PendingPayment, error) {
	pp, ok := s.registry.GetByInternal(internalID)
	if !ok {
		row, err := s.store.GetByInternalID(ctx, internalID)
		if errors.Is(err, repository.ErrNotFound) {
			return payment.PendingPayment{}, ErrPaymentNotFound
		}
		if err != nil {
			return payment.PendingPayment{}, err
		}
		pp = row.Pending()
	}
	if !v.canSee(pp) {
		return payment.PendingPayment{}, ErrPaymentNotFound
	}
	return pp, nil
}

// Await blocks until the payment is terminal or ctx is done. On timeout it returns the
// latest known state together with ctx.Err(). Abandoning the wait never affects the push.
func (s *PaymentService) Await(ctx context.Context, v Viewer, internalID string) (payment.PendingPayment, error) {
	w := make(chan payment.PendingPayment, 1)
	s.wmu.Lock()
	s.waiters[internalID] = append(s.waiters[internalID], w)
	s.wmu.Unlock()
	defer s.dropWaiter(internalID, w)

	pp, err := s.Get(ctx, v, internalID)
	if err != nil || pp.State.Terminal() {
		return pp, err
	}
	select {
	case done := <-w:
		return done, nil
	case <-ctx.Done():
		if latest, ok := s.registry.GetByInternal(internalID); ok {
			pp = latest
		}
		return pp, ctx.Err()
	}
}

func (s *PaymentService) dropWaiter(internalID string, w chan payment.PendingPayment) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ws := s.waiters[internalID]
	for i, c := range ws {
		if c == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(s.waiters, internalID)
	} else {
		s.waiters[internalID] = ws
	}
}

// GetStatus reports the latest payment for an account reference. Unknown references, and
// references whose latest payment belongs to another caller, come back with state
// NOT_FOUND and no error. An empty provider searches every provider.
func (s *PaymentService) GetStatus(ctx context.Context, v Viewer, provider payment.Provider, ref string) (payment.PendingPayment, error) {
	if provider != "" {
		if _, ok := s.channels[provider]; !ok {
			return payment.PendingPayment{}, fmt.Errorf("%w: %s", payment.ErrUnknownProvider, provider)
		}
	}
	notFound := payment.PendingPayment{
		Intent: payment.PaymentIntent{Provider: provider, AccountReference: ref},
		State:  payment.StatusNotFound,
	}
	pp, ok := s.registry.LatestByReference(provider, ref)
	if !ok {
		row, err := s.store.LatestByReference(ctx, provider, ref)
		if errors.Is(err, repository.ErrNotFound) {
			return notFound, nil
		}
		if err != nil {
			return payment.PendingPayment{}, err
		}
		pp = row.Pending()
	}
	if !v.canSee(pp) {
		return notFound, nil
	}
	return pp, nil
}

// Recover reloads PENDING payments from the ledger so callbacks and the poller can still
// finalize them after a restart.
func (s *PaymentService) Recover(ctx context.Context) (int, error) {
	rows, err := s.store.ListPending(ctx, time.Time{})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range rows {
		pp := rows[i].Pending()
		if _, ok := s.channels[pp.Intent.Provider]; !ok {
			s.logger.Warn("pending payment for unconfigured provider", zap.String("internal_id", pp.InternalID), zap.String("provider", string(pp.Intent.Provider)))
			continue
		}
		if err := s.registry.Register(pp); err != nil {
			s.logger.Warn("recover pending payment", zap.String("internal_id", pp.InternalID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// adopt registers a ledger row the registry no longer knows about.
func (s *PaymentService) adopt(ctx context.Context, providerRequestID string) (payment.PendingPayment, bool) {
	row, err := s.store.GetByProviderRequestID(ctx, providerRequestID)
	if err != nil {
		return payment.PendingPayment{}, false
	}
	pp := row.Pending()
	if pp.State != payment.StatePending {
		return pp, true
	}
	if err := s.registry.Register(pp); err != nil {
		s.logger.Warn("adopt pending payment", zap.String("provider_request_id", providerRequestID), zap.Error(err))
	}
	if cur, ok := s.registry.Get(providerRequestID); ok {
		return cur, true
	}
	return pp, true
}

func validationError(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fe := ves[0]
		reason := "failed " + fe.Tag()
		switch fe.Tag() {
		case "required":
			reason = "is required"
		case "gt":
			reason = "must be greater than " + fe.Param()
		case "printascii":
			reason = "must be printable ASCII"
		}
		return &payment.ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &payment.ValidationError{Field: "intent", Reason: err.Error()}
}
