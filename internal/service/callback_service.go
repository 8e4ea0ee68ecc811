package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"pushpay/internal/metrics"
	"pushpay/internal/models"
	"pushpay/pkg/payment"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// maxLoggedPayload caps the raw body kept in callback logs.
const maxLoggedPayload = 16 << 10

type CallbackOutcome string

const (
	OutcomeApplied          CallbackOutcome = "applied"
	OutcomeAlreadyFinalized CallbackOutcome = "already_finalized"
	OutcomeUnknown          CallbackOutcome = "unknown"
	OutcomeInvalid          CallbackOutcome = "invalid"
	OutcomeDeferred         CallbackOutcome = "deferred"
	OutcomeForbidden        CallbackOutcome = "forbidden"
	OutcomeUnauthorized     CallbackOutcome = "unauthorized"
)

// CallbackRequest is one inbound provider notification.
type CallbackRequest struct {
	Provider payment.Provider
	Body     []byte
	Header   http.Header
	RemoteIP string
	Token    string // shared callback token from the query string, if any
}

type CallbackResult struct {
	Outcome CallbackOutcome
	// Ack is the body the provider expects back. Nil for forbidden and unauthorized.
	Ack     any
	Payment *payment.PendingPayment
}

// CallbackService authenticates, correlates and applies provider callbacks.
type CallbackService struct {
	payments     *PaymentService
	audit        *AuditWriter
	queryTimeout time.Duration
	logger       *zap.Logger

	inflight sync.WaitGroup
}

func NewCallbackService(payments *PaymentService, audit *AuditWriter, queryTimeout time.Duration, logger *zap.Logger) *CallbackService {
	if queryTimeout <= 0 {
		queryTimeout = 15 * time.Second
	}
	return &CallbackService{payments: payments, audit: audit, queryTimeout: queryTimeout, logger: logger}
}

// Handle processes a callback. The raw payload is logged whatever happens. Apart from
// authentication failures the result always carries an ack; an unknown provider is an error.
func (s *CallbackService) Handle(ctx context.Context, req CallbackRequest) (CallbackResult, error) {
	log := s.logger.With(zap.String("provider", string(req.Provider)), zap.String("ip", req.RemoteIP))
	log.Debug("callback received", zap.ByteString("body", truncateBytes(req.Body, 2048)))

	ch, ok := s.payments.Channel(req.Provider)
	if !ok {
		s.record(req, "", OutcomeInvalid, "unknown provider")
		return CallbackResult{}, fmt.Errorf("%w: %s", payment.ErrUnknownProvider, req.Provider)
	}
	prof := ch.Profile

	if len(prof.AllowedIPs) > 0 && !ipAllowed(prof.AllowedIPs, req.RemoteIP) {
		log.Warn("callback from address outside allowlist")
		s.reject(req, OutcomeForbidden, "source address not allowed")
		return CallbackResult{Outcome: OutcomeForbidden}, nil
	}
	if ch.Dialect.Signed() {
		if err := ch.Dialect.VerifyCallback(prof, req.Body, req.Header); err != nil {
			log.Warn("callback signature rejected", zap.Error(err))
			s.reject(req, OutcomeUnauthorized, err.Error())
			return CallbackResult{Outcome: OutcomeUnauthorized}, nil
		}
	}
	if prof.CallbackTokenHash != "" {
		if req.Token == "" || bcrypt.CompareHashAndPassword([]byte(prof.CallbackTokenHash), []byte(req.Token)) != nil {
			log.Warn("callback token rejected")
			s.reject(req, OutcomeUnauthorized, "callback token mismatch")
			return CallbackResult{Outcome: OutcomeUnauthorized}, nil
		}
	}

	ack := ch.Dialect.CallbackAck()
	res, err := ch.Dialect.ParseCallback(req.Body)
	if err != nil {
		log.Warn("unparsable callback", zap.Error(err))
		s.record(req, "", OutcomeInvalid, err.Error())
		s.anomaly(req, "", "callback_invalid", err.Error())
		return CallbackResult{Outcome: OutcomeInvalid, Ack: ack}, nil
	}
	log = log.With(zap.String("provider_request_id", res.ProviderRequestID))

	if prof.ConfirmCallbacks && !ch.Dialect.Signed() {
		return s.deferToQuery(ctx, ch, req, res, ack, log)
	}

	out, pp := s.apply(ctx, res, payment.SourceCallback, log)
	s.record(req, res.ProviderRequestID, out, "")
	if out == OutcomeUnknown {
		s.anomaly(req, res.ProviderRequestID, "callback_unknown_request", "no pending payment for provider request id")
	}
	result := CallbackResult{Outcome: out, Ack: ack}
	if pp.InternalID != "" {
		result.Payment = &pp
	}
	return result, nil
}

// apply finalizes the payment named by res. A registry miss is resolved against the ledger
// before the callback is declared unknown.
func (s *CallbackService) apply(ctx context.Context, res payment.CallbackResult, src payment.Source, log *zap.Logger) (CallbackOutcome, payment.PendingPayment) {
	reg := s.payments.registry
	result := payment.Result{Code: res.ResultCode, Message: res.ResultMessage, Receipt: res.Receipt, Source: src}

	pp, err := reg.Transition(res.ProviderRequestID, res.State, result)
	if errors.Is(err, payment.ErrUnknownRequest) {
		known, ok := s.payments.adopt(ctx, res.ProviderRequestID)
		switch {
		case !ok:
			log.Warn("callback for unknown request")
			return OutcomeUnknown, payment.PendingPayment{}
		case known.State.Terminal():
			log.Info("callback for payment already finalized", zap.String("state", string(known.State)))
			return OutcomeAlreadyFinalized, known
		case known.State != payment.StatePending:
			log.Warn("callback before the push was registered", zap.String("state", string(known.State)))
			return OutcomeUnknown, known
		}
		pp, err = reg.Transition(res.ProviderRequestID, res.State, result)
	}
	switch {
	case err == nil:
		log.Info("callback applied", zap.String("state", string(pp.State)), zap.String("result_code", pp.ResultCode))
		return OutcomeApplied, pp
	case errors.Is(err, payment.ErrAlreadyFinalized):
		fields := []zap.Field{zap.String("state", string(pp.State)), zap.String("source", string(pp.Source))}
		if pp.State != res.State {
			log.Warn("late callback disagrees with final state", append(fields, zap.String("callback_state", string(res.State)))...)
		} else {
			log.Info("callback for payment already finalized", fields...)
		}
		return OutcomeAlreadyFinalized, pp
	default:
		log.Error("apply callback", zap.Error(err))
		return OutcomeUnknown, pp
	}
}

// deferToQuery treats an unsigned callback as a hint and finalizes from a status query.
func (s *CallbackService) deferToQuery(ctx context.Context, ch *Channel, req CallbackRequest, res payment.CallbackResult, ack any, log *zap.Logger) (CallbackResult, error) {
	pp, ok := s.payments.registry.Get(res.ProviderRequestID)
	if !ok {
		pp, ok = s.payments.adopt(ctx, res.ProviderRequestID)
	}
	switch {
	case !ok:
		log.Warn("callback for unknown request")
		s.record(req, res.ProviderRequestID, OutcomeUnknown, "")
		s.anomaly(req, res.ProviderRequestID, "callback_unknown_request", "no pending payment for provider request id")
		return CallbackResult{Outcome: OutcomeUnknown, Ack: ack}, nil
	case pp.State.Terminal():
		s.record(req, res.ProviderRequestID, OutcomeAlreadyFinalized, "")
		return CallbackResult{Outcome: OutcomeAlreadyFinalized, Ack: ack, Payment: &pp}, nil
	}

	s.record(req, res.ProviderRequestID, OutcomeDeferred, "")
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
		defer cancel()
		st, err := ch.Gateway.Query(qctx, res.ProviderRequestID)
		s.payments.registry.MarkChecked(res.ProviderRequestID, s.payments.opts.Now())
		if err != nil {
			log.Warn("callback confirmation query failed", zap.Error(err))
			return
		}
		if !st.Definitive() {
			log.Info("callback not yet confirmed by provider", zap.String("state", string(st.State)))
			return
		}
		confirmed := res
		confirmed.State, confirmed.ResultCode, confirmed.ResultMessage = st.State, st.ResultCode, st.ResultMessage
		if st.State != res.State {
			log.Warn("status query contradicts callback", zap.String("callback_state", string(res.State)), zap.String("query_state", string(st.State)))
		}
		s.apply(context.Background(), confirmed, payment.SourceCallback, log)
	}()
	return CallbackResult{Outcome: OutcomeDeferred, Ack: ack, Payment: &pp}, nil
}

// Wait blocks until background confirmation queries have finished.
func (s *CallbackService) Wait() {
	s.inflight.Wait()
}

func (s *CallbackService) reject(req CallbackRequest, out CallbackOutcome, reason string) {
	s.record(req, "", out, reason)
	s.anomaly(req, "", "callback_"+string(out), reason)
}

func (s *CallbackService) record(req CallbackRequest, providerRequestID string, out CallbackOutcome, errMsg string) {
	metrics.Callbacks.WithLabelValues(string(req.Provider), string(out)).Inc()
	s.audit.Callback(&models.CallbackLog{
		Provider:          string(req.Provider),
		ProviderRequestID: providerRequestID,
		Outcome:           string(out),
		IP:                req.RemoteIP,
		Payload:           string(truncateBytes(req.Body, maxLoggedPayload)),
		Error:             errMsg,
	})
}

func (s *CallbackService) anomaly(req CallbackRequest, providerRequestID, action, reason string) {
	meta, _ := json.Marshal(map[string]string{"provider": string(req.Provider), "reason": reason})
	s.audit.Audit(&models.AuditLog{
		Actor:      "provider:" + string(req.Provider),
		Action:     action,
		Resource:   "payment",
		ResourceID: providerRequestID,
		IP:         req.RemoteIP,
		UserAgent:  req.Header.Get("User-Agent"),
		Metadata:   string(meta),
	})
}

// ipAllowed matches ip against single addresses and CIDR prefixes.
func ipAllowed(allowed []string, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, a := range allowed {
		if strings.Contains(a, "/") {
			if pfx, err := netip.ParsePrefix(a); err == nil && pfx.Contains(addr) {
				return true
			}
			continue
		}
		if want, err := netip.ParseAddr(a); err == nil && want.Unmap() == addr {
			return true
		}
	}
	return false
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
