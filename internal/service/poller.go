package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"pushpay/internal/metrics"
	"pushpay/pkg/payment"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type PollerConfig struct {
	Interval     time.Duration
	QueryAfter   time.Duration
	ExpireAfter  time.Duration
	GracePeriod  time.Duration
	QueryTimeout time.Duration
	Workers      int
}

// PollStats summarises one poll round.
type PollStats struct {
	Queried   int
	Finalized int
	Expired   int
	Pruned    int
}

// Poller finalizes payments whose callback never came by querying the provider, expires
// the ones that stay silent and forgets old terminal ones.
type Poller struct {
	payments *PaymentService
	cfg      PollerConfig
	logger   *zap.Logger
}

func NewPoller(payments *PaymentService, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Poller{payments: payments, cfg: cfg, logger: logger}
}

// Run polls every Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.logger.Info("status poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("query_after", p.cfg.QueryAfter),
		zap.Duration("expire_after", p.cfg.ExpireAfter))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("status poller stopped")
			return
		case <-ticker.C:
			st := p.RunOnce(ctx)
			if st.Queried+st.Expired+st.Pruned > 0 {
				p.logger.Debug("poll round",
					zap.Int("queried", st.Queried),
					zap.Int("finalized", st.Finalized),
					zap.Int("expired", st.Expired),
					zap.Int("pruned", st.Pruned))
			}
		}
	}
}

// RunOnce performs a single round: query due payments, sweep expired ones, prune.
func (p *Poller) RunOnce(ctx context.Context) PollStats {
	reg := p.payments.registry
	due := reg.Due(p.cfg.QueryAfter, p.cfg.ExpireAfter, p.cfg.QueryAfter)

	var finalized atomic.Int32
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, pp := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if p.check(ctx, pp) {
				finalized.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	expired := reg.SweepExpired(p.cfg.ExpireAfter)
	for _, pp := range expired {
		p.logger.Info("payment expired without confirmation",
			zap.String("internal_id", pp.InternalID),
			zap.String("provider_request_id", pp.ProviderRequestID))
	}
	pruned := reg.Prune(p.cfg.GracePeriod)
	metrics.Pending.Set(float64(reg.Stats()[payment.StatePending]))

	return PollStats{Queried: len(due), Finalized: int(finalized.Load()), Expired: len(expired), Pruned: pruned}
}

// check queries one payment and applies a definitive answer. It reports whether this call
// finalized the payment.
func (p *Poller) check(ctx context.Context, pp payment.PendingPayment) bool {
	log := p.logger.With(
		zap.String("provider", string(pp.Intent.Provider)),
		zap.String("provider_request_id", pp.ProviderRequestID))
	ch, ok := p.payments.Channel(pp.Intent.Provider)
	if !ok {
		log.Warn("no channel for pending payment")
		return false
	}

	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	st, err := ch.Gateway.Query(qctx, pp.ProviderRequestID)
	cancel()

	now := p.payments.opts.Now()
	p.payments.registry.MarkChecked(pp.ProviderRequestID, now)
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	if terr := p.payments.store.TouchChecked(sctx, pp.ProviderRequestID, now); terr != nil {
		log.Debug("record status check", zap.Error(terr))
	}
	scancel()

	provider := string(pp.Intent.Provider)
	if err != nil {
		result := "transient"
		if payment.IsRejected(err) {
			result = "rejected"
		}
		metrics.StatusQueries.WithLabelValues(provider, result).Inc()
		log.Warn("status query failed", zap.Error(err))
		return false
	}
	if !st.Definitive() {
		metrics.StatusQueries.WithLabelValues(provider, "pending").Inc()
		return false
	}
	metrics.StatusQueries.WithLabelValues(provider, "definitive").Inc()

	_, err = p.payments.registry.Transition(pp.ProviderRequestID, st.State, payment.Result{
		Code:    st.ResultCode,
		Message: st.ResultMessage,
		Source:  payment.SourcePoll,
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, payment.ErrAlreadyFinalized):
		log.Debug("payment finalized while querying")
	default:
		log.Warn("apply status query result", zap.Error(err))
	}
	return false
}
