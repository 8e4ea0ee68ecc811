// Package registry holds in-flight push payments until they reach a terminal state.
//
// Locking: the index lock may be held while an entry lock is taken, never the reverse.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pushpay/pkg/payment"
)

// Listener is told about every terminal transition, outside all registry locks.
type Listener func(payment.PendingPayment)

type refKey struct {
	provider payment.Provider
	ref      string
}

type entry struct {
	mu sync.Mutex
	pp payment.PendingPayment
}

func (e *entry) snapshot() payment.PendingPayment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pp
}

// Registry maps provider request ids to pending payments. At most one non-terminal payment
// exists per (provider, account reference).
type Registry struct {
	mu          sync.RWMutex
	byRequest   map[string]*entry
	byInternal  map[string]*entry
	active      map[refKey]*entry
	latestByKey map[refKey]*entry
	latestByRef map[string]*entry

	lmu       sync.RWMutex
	listeners []Listener

	now func() time.Time
}

type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		byRequest:   make(map[string]*entry),
		byInternal:  make(map[string]*entry),
		active:      make(map[refKey]*entry),
		latestByKey: make(map[refKey]*entry),
		latestByRef: make(map[string]*entry),
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func keyOf(pp payment.PendingPayment) refKey {
	return refKey{provider: pp.Intent.Provider, ref: pp.Intent.AccountReference}
}

// Subscribe adds a listener for terminal transitions.
func (r *Registry) Subscribe(fn Listener) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

func (r *Registry) notify(pp payment.PendingPayment) {
	r.lmu.RLock()
	ls := append([]Listener(nil), r.listeners...)
	r.lmu.RUnlock()
	for _, fn := range ls {
		fn(pp)
	}
}

// Reserve claims the account reference of an INITIATED payment before it is submitted.
func (r *Registry) Reserve(pp payment.PendingPayment) error {
	if pp.InternalID == "" {
		return errors.New("registry: reserve without internal id")
	}
	if pp.State != payment.StateInitiated {
		return fmt.Errorf("registry: reserve in state %s", pp.State)
	}
	key := keyOf(pp)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeLocked(key) {
		return payment.ErrDuplicateReference
	}
	if _, ok := r.byInternal[pp.InternalID]; ok {
		return fmt.Errorf("registry: internal id %s already present", pp.InternalID)
	}
	e := &entry{pp: pp}
	r.byInternal[pp.InternalID] = e
	r.active[key] = e
	r.latestByKey[key] = e
	r.latestByRef[key.ref] = e
	return nil
}

// activeLocked reports whether key is held by a non-terminal entry. r.mu must be held.
func (r *Registry) activeLocked(key refKey) bool {
	e, ok := r.active[key]
	if !ok {
		return false
	}
	if e.snapshot().State.Terminal() {
		delete(r.active, key)
		return false
	}
	return true
}

// Release drops a reservation whose submission never produced a provider request id.
func (r *Registry) Release(internalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byInternal[internalID]
	if !ok {
		return
	}
	pp := e.snapshot()
	if pp.State != payment.StateInitiated {
		return
	}
	key := keyOf(pp)
	delete(r.byInternal, internalID)
	if r.active[key] == e {
		delete(r.active, key)
	}
	r.dropLatestLocked(key, e)
}

func (r *Registry) dropLatestLocked(key refKey, e *entry) {
	if r.latestByKey[key] == e {
		delete(r.latestByKey, key)
	}
	if r.latestByRef[key.ref] == e {
		delete(r.latestByRef, key.ref)
	}
}

// Register records a submitted payment as PENDING under its provider request id. A
// reservation with the same internal id is promoted in place.
func (r *Registry) Register(pp payment.PendingPayment) error {
	if pp.ProviderRequestID == "" {
		return errors.New("registry: register without provider request id")
	}
	pp.State = payment.StatePending
	key := keyOf(pp)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRequest[pp.ProviderRequestID]; ok {
		return fmt.Errorf("registry: provider request id %s already registered", pp.ProviderRequestID)
	}
	if e, ok := r.byInternal[pp.InternalID]; ok && pp.InternalID != "" {
		e.mu.Lock()
		if e.pp.State != payment.StateInitiated {
			e.mu.Unlock()
			return fmt.Errorf("registry: %s is %s, not reserved", pp.InternalID, e.pp.State)
		}
		e.pp = pp
		e.mu.Unlock()
		r.byRequest[pp.ProviderRequestID] = e
		r.active[key] = e
		return nil
	}
	if r.activeLocked(key) {
		return payment.ErrDuplicateReference
	}
	e := &entry{pp: pp}
	r.byRequest[pp.ProviderRequestID] = e
	if pp.InternalID != "" {
		r.byInternal[pp.InternalID] = e
	}
	r.active[key] = e
	r.latestByKey[key] = e
	r.latestByRef[key.ref] = e
	return nil
}

func (r *Registry) lookup(providerRequestID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRequest[providerRequestID]
}

// Get returns a copy of the payment for a provider request id.
func (r *Registry) Get(providerRequestID string) (payment.PendingPayment, bool) {
	e := r.lookup(providerRequestID)
	if e == nil {
		return payment.PendingPayment{}, false
	}
	return e.snapshot(), true
}

// GetByInternal returns a copy of the payment with the given internal id.
func (r *Registry) GetByInternal(internalID string) (payment.PendingPayment, bool) {
	r.mu.RLock()
	e := r.byInternal[internalID]
	r.mu.RUnlock()
	if e == nil {
		return payment.PendingPayment{}, false
	}
	return e.snapshot(), true
}

// LatestByReference returns the most recent payment for ref. An empty provider matches
// any provider.
func (r *Registry) LatestByReference(provider payment.Provider, ref string) (payment.PendingPayment, bool) {
	r.mu.RLock()
	var e *entry
	if provider == "" {
		e = r.latestByRef[ref]
	} else {
		e = r.latestByKey[refKey{provider: provider, ref: ref}]
	}
	r.mu.RUnlock()
	if e == nil {
		return payment.PendingPayment{}, false
	}
	return e.snapshot(), true
}

// Transition moves a PENDING payment to a terminal state. Exactly one caller wins; later
// callers get ErrAlreadyFinalized together with the state that won.
func (r *Registry) Transition(providerRequestID string, to payment.State, res payment.Result) (payment.PendingPayment, error) {
	if !to.Terminal() {
		return payment.PendingPayment{}, fmt.Errorf("registry: %s is not a terminal state", to)
	}
	e := r.lookup(providerRequestID)
	if e == nil {
		return payment.PendingPayment{}, payment.ErrUnknownRequest
	}

	e.mu.Lock()
	if e.pp.State != payment.StatePending {
		pp := e.pp
		e.mu.Unlock()
		return pp, payment.ErrAlreadyFinalized
	}
	e.pp.State = to
	e.pp.Source = res.Source
	e.pp.ResultCode = res.Code
	e.pp.ResultMessage = res.Message
	e.pp.Receipt = res.Receipt
	e.pp.FinalizedAt = r.now()
	pp := e.pp
	e.mu.Unlock()

	key := keyOf(pp)
	r.mu.Lock()
	if r.active[key] == e {
		delete(r.active, key)
	}
	r.mu.Unlock()

	r.notify(pp)
	return pp, nil
}

// MarkChecked records a status query attempt.
func (r *Registry) MarkChecked(providerRequestID string, at time.Time) {
	e := r.lookup(providerRequestID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pp.LastCheckedAt = at
	e.mu.Unlock()
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.byRequest))
	for _, e := range r.byRequest {
		out = append(out, e)
	}
	return out
}

func (r *Registry) pending(filter func(pp payment.PendingPayment, now time.Time) bool) []payment.PendingPayment {
	now := r.now()
	var out []payment.PendingPayment
	for _, e := range r.entries() {
		pp := e.snapshot()
		if pp.State == payment.StatePending && filter(pp, now) {
			out = append(out, pp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Due lists PENDING payments older than minAge and younger than maxAge that were not
// checked within recheck, oldest first.
func (r *Registry) Due(minAge, maxAge, recheck time.Duration) []payment.PendingPayment {
	return r.pending(func(pp payment.PendingPayment, now time.Time) bool {
		age := now.Sub(pp.CreatedAt)
		if age < minAge || age >= maxAge {
			return false
		}
		return pp.LastCheckedAt.IsZero() || now.Sub(pp.LastCheckedAt) >= recheck
	})
}

// SweepExpired moves PENDING payments older than olderThan to EXPIRED and returns the ones
// this call expired.
func (r *Registry) SweepExpired(olderThan time.Duration) []payment.PendingPayment {
	stale := r.pending(func(pp payment.PendingPayment, now time.Time) bool {
		return now.Sub(pp.CreatedAt) >= olderThan
	})
	var expired []payment.PendingPayment
	for _, pp := range stale {
		done, err := r.Transition(pp.ProviderRequestID, payment.StateExpired, payment.Result{
			Message: "no confirmation received",
			Source:  payment.SourceExpiry,
		})
		if err == nil {
			expired = append(expired, done)
		}
	}
	return expired
}

// Prune forgets terminal payments finalized at least grace ago and returns how many.
func (r *Registry) Prune(grace time.Duration) int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.byRequest {
		pp := e.snapshot()
		if !pp.State.Terminal() || now.Sub(pp.FinalizedAt) < grace {
			continue
		}
		key := keyOf(pp)
		delete(r.byRequest, id)
		if r.byInternal[pp.InternalID] == e {
			delete(r.byInternal, pp.InternalID)
		}
		if r.active[key] == e {
			delete(r.active, key)
		}
		r.dropLatestLocked(key, e)
		n++
	}
	return n
}

// Stats counts tracked payments by state.
func (r *Registry) Stats() map[payment.State]int {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.byInternal)+len(r.byRequest))
	seen := make(map[*entry]struct{}, len(r.byInternal))
	for _, e := range r.byInternal {
		seen[e] = struct{}{}
		all = append(all, e)
	}
	for _, e := range r.byRequest {
		if _, ok := seen[e]; !ok {
			all = append(all, e)
		}
	}
	r.mu.RUnlock()

	out := make(map[payment.State]int)
	for _, e := range all {
		out[e.snapshot().State]++
	}
	return out
}
