package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pushpay/internal/models"
	"pushpay/internal/registry"
	"pushpay/internal/repository"
	"pushpay/pkg/payment"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory PaymentStore.
type memStore struct {
	mu         sync.Mutex
	rows       map[string]*models.Payment
	finalized  int
	pendingErr error // returned by MarkPending without writing
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*models.Payment)}
}

func (s *memStore) Create(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.rows[p.InternalID] = &cp
	return nil
}

func (s *memStore) MarkPending(_ context.Context, internalID string, ack payment.PushAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingErr != nil {
		return s.pendingErr
	}
	if r, ok := s.rows[internalID]; ok && r.Status == string(payment.StateInitiated) {
		id := ack.ProviderRequestID
		r.ProviderRequestID = &id
		r.MerchantRequestID = ack.MerchantRequestID
		r.Status = string(payment.StatePending)
	}
	return nil
}

func (s *memStore) MarkSubmitFailed(_ context.Context, internalID, code, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[internalID]; ok && r.Status == string(payment.StateInitiated) {
		r.Status = string(payment.StateFailed)
		r.Source = string(payment.SourceSubmit)
		r.ResultCode, r.ResultMessage = code, message
		r.FinalizedAt = &at
	}
	return nil
}

func (s *memStore) Finalize(_ context.Context, pp payment.PendingPayment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[pp.InternalID]
	if !ok || (r.Status != string(payment.StatePending) && r.Status != string(payment.StateInitiated)) {
		return false, nil
	}
	if pp.ProviderRequestID != "" {
		id := pp.ProviderRequestID
		r.ProviderRequestID = &id
	}
	if pp.MerchantRequestID != "" {
		r.MerchantRequestID = pp.MerchantRequestID
	}
	at := pp.FinalizedAt
	r.Status, r.Source = string(pp.State), string(pp.Source)
	r.ResultCode, r.ResultMessage, r.Receipt = pp.ResultCode, pp.ResultMessage, pp.Receipt
	r.FinalizedAt = &at
	s.finalized++
	return true, nil
}

func (s *memStore) TouchChecked(_ context.Context, providerRequestID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ProviderRequestID != nil && *r.ProviderRequestID == providerRequestID {
			r.LastCheckedAt = &at
		}
	}
	return nil
}

func (s *memStore) GetByInternalID(_ context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) GetByProviderRequestID(_ context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ProviderRequestID != nil && *r.ProviderRequestID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) LatestByReference(_ context.Context, provider payment.Provider, ref string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Payment
	for _, r := range s.rows {
		if r.AccountReference != ref || (provider != "" && r.Provider != string(provider)) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) ListPending(_ context.Context, since time.Time) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, r := range s.rows {
		if r.Status == string(payment.StatePending) && !r.CreatedAt.Before(since) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) row(internalID string) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[internalID]; ok {
		return *r
	}
	return models.Payment{}
}

func (s *memStore) finalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// fakeGateway answers Initiate and Query from configurable functions.
type fakeGateway struct {
	initiates atomic.Int32
	queries   atomic.Int32
	seq       atomic.Int32
	initiate  func(n int32) (payment.PushAck, error)
	query     func(ctx context.Context, id string) (payment.PushStatus, error)
}

func (g *fakeGateway) Initiate(ctx context.Context, req payment.ProviderRequest) (payment.PushAck, error) {
	n := g.initiates.Add(1)
	if g.initiate != nil {
		return g.initiate(n)
	}
	id := fmt.Sprintf("ws_CO_%d", g.seq.Add(1))
	return payment.PushAck{ProviderRequestID: id, MerchantRequestID: "m-" + id, CustomerMessage: "Success"}, nil
}

func (g *fakeGateway) Query(ctx context.Context, id string) (payment.PushStatus, error) {
	g.queries.Add(1)
	if g.query != nil {
		return g.query(ctx, id)
	}
	return payment.PushStatus{State: payment.StatePending}, nil
}

type memLogs struct {
	mu        sync.Mutex
	callbacks []models.CallbackLog
	audits    []models.AuditLog
}

type callbackSink struct{ *memLogs }

func (s callbackSink) Create(_ context.Context, l *models.CallbackLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, *l)
	return nil
}

type auditSink struct{ *memLogs }

func (s auditSink) Create(_ context.Context, a *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *a)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string]int
	owners map[string]string
}

func (p *recordingPublisher) Publish(reference, callerID string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string]int)
		p.owners = make(map[string]string)
	}
	p.events[reference]++
	p.owners[reference] = callerID
}

func (p *recordingPublisher) owner(ref string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owners[ref]
}

func (p *recordingPublisher) count(ref string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[ref]
}

type harness struct {
	clock     *fakeClock
	store     *memStore
	logs      *memLogs
	audit     *AuditWriter
	reg       *registry.Registry
	publisher *recordingPublisher
	payments  *PaymentService
	callbacks *CallbackService
	poller    *Poller
}

// anyone reads every payment.
var anyone = Viewer{Admin: true}

var pollerCfg = PollerConfig{
	Interval:     time.Second,
	QueryAfter:   30 * time.Second,
	ExpireAfter:  3 * time.Minute,
	GracePeriod:  10 * time.Minute,
	QueryTimeout: 50 * time.Millisecond,
	Workers:      4,
}

func mpesaProfile() payment.Profile {
	return payment.Profile{
		Name:        "mpesa",
		Dialect:     "daraja",
		BaseURL:     "https://sandbox.example.test",
		ShortCode:   "174379",
		PassKey:     "passkey",
		CallbackURL: "https://pay.example.test/api/v1/callbacks/mpesa",
		CountryCode: "254",
	}
}

func newHarness(t *testing.T, gw payment.Gateway, profiles ...payment.Profile) *harness {
	t.Helper()
	if len(profiles) == 0 {
		profiles = []payment.Profile{mpesaProfile()}
	}
	h := &harness{
		clock:     &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:     newMemStore(),
		logs:      &memLogs{},
		publisher: &recordingPublisher{},
	}
	logger := zap.NewNop()
	h.audit = NewAuditWriter(callbackSink{h.logs}, auditSink{h.logs}, 64, logger)
	t.Cleanup(h.audit.Close)
	h.reg = registry.New(registry.WithClock(h.clock.Now))

	var channels []*Channel
	for _, p := range profiles {
		d, err := payment.LookupDialect(p.Dialect)
		if err != nil {
			t.Fatal(err)
		}
		channels = append(channels, NewChannel(p, d, gw))
	}
	h.payments = NewPaymentService(channels, h.reg, h.store, h.audit, h.publisher,
		PaymentOptions{SubmitAttempts: 3, SubmitBackoff: time.Millisecond, Now: h.clock.Now}, logger)
	h.callbacks = NewCallbackService(h.payments, h.audit, 50*time.Millisecond, logger)
	h.poller = NewPoller(h.payments, pollerCfg, logger)
	return h
}

func intent(ref string) payment.PaymentIntent {
	return payment.PaymentIntent{
		Provider:         "mpesa",
		PhoneRaw:         "0712345678",
		Amount:           100,
		AccountReference: ref,
		Description:      "Order " + ref,
	}
}

func darajaCallback(checkoutID string, resultCode int) []byte {
	if resultCode != 0 {
		return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m-%s","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":"Request cancelled by user"}}}`, checkoutID, checkoutID, resultCode))
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m-%s","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":1.00},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"PhoneNumber","Value":254712345678}]}}}}`, checkoutID, checkoutID))
}
