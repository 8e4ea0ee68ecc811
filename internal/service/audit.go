package service

import (
	"context"
	"sync"
	"time"

	"pushpay/internal/models"

	"go.uber.org/zap"
)

// writeTimeout bounds a single audit insert.
const writeTimeout = 5 * time.Second

type CallbackLogStore interface {
	Create(ctx context.Context, l *models.CallbackLog) error
}

type AuditStore interface {
	Create(ctx context.Context, a *models.AuditLog) error
}

// AuditWriter persists callback logs and audit records off the request path. Records are
// dropped, with a warning, when the queue is full.
type AuditWriter struct {
	callbacks CallbackLogStore
	audits    AuditStore
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan any
	done   chan struct{}
}

func NewAuditWriter(callbacks CallbackLogStore, audits AuditStore, buffer int, logger *zap.Logger) *AuditWriter {
	if buffer <= 0 {
		buffer = 256
	}
	w := &AuditWriter{
		callbacks: callbacks,
		audits:    audits,
		logger:    logger,
		queue:     make(chan any, buffer),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AuditWriter) Callback(l *models.CallbackLog) { w.enqueue(l) }

func (w *AuditWriter) Audit(a *models.AuditLog) { w.enqueue(a) }

func (w *AuditWriter) enqueue(rec any) {
	if w == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- rec:
	default:
		w.logger.Warn("audit queue full, dropping record", zap.Any("record", rec))
	}
}

func (w *AuditWriter) run() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch r := rec.(type) {
		case *models.CallbackLog:
			if w.callbacks != nil {
				err = w.callbacks.Create(ctx, r)
			}
		case *models.AuditLog:
			if w.audits != nil {
				err = w.audits.Create(ctx, r)
			}
		}
		cancel()
		if err != nil {
			w.logger.Error("audit write failed", zap.Error(err))
		}
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (w *AuditWriter) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}
