package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"pushpay/pkg/payment"
)

func TestPollerRecheckInterval(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, gw)
	if _, err := h.payments.Initiate(context.Background(), intent("P1"), ""); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(31 * time.Second)
	h.poller.RunOnce(context.Background())
	h.clock.Advance(10 * time.Second)
	if st := h.poller.RunOnce(context.Background()); st.Queried != 0 {
		t.Errorf("re-queried %d payments before the recheck interval", st.Queried)
	}
	h.clock.Advance(21 * time.Second)
	if st := h.poller.RunOnce(context.Background()); st.Queried != 1 {
		t.Errorf("queried %d, want 1 after the recheck interval", st.Queried)
	}
	if gw.queries.Load() != 2 {
		t.Errorf("gateway queries = %d", gw.queries.Load())
	}
}

func TestPollerWorkerLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	gw := &fakeGateway{query: func(ctx context.Context, id string) (payment.PushStatus, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return payment.PushStatus{State: payment.StatePending}, nil
	}}
	h := newHarness(t, gw)
	for i := 0; i < 12; i++ {
		if _, err := h.payments.Initiate(context.Background(), intent(fmt.Sprintf("W%d", i)), ""); err != nil {
			t.Fatal(err)
		}
	}
	h.clock.Advance(time.Minute)
	st := h.poller.RunOnce(context.Background())
	if st.Queried != 12 {
		t.Errorf("queried %d", st.Queried)
	}
	if p := peak.Load(); p > int32(pollerCfg.Workers) {
		t.Errorf("peak concurrency %d exceeds %d workers", p, pollerCfg.Workers)
	}
}

func TestPollerRunStops(t *testing.T) {
	h := newHarness(t, &fakeGateway{})
	p := NewPoller(h.payments, PollerConfig{Interval: time.Millisecond, QueryAfter: time.Second, ExpireAfter: time.Minute, QueryTimeout: time.Second, Workers: 1}, h.payments.logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
