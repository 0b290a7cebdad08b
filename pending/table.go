// Package pending correlates outgoing requests with the answers that arrive later
// on another goroutine.
package pending

import (
	"context"
	"sync"
	"time"

	"ocpp_node/frame"
)

// Slot is the single-resolution cell a caller waits on.
type Slot struct {
	ID      frame.RequestID
	Created time.Time
	Expires time.Time

	done    chan struct{}
	once    sync.Once
	outcome Outcome
	timer   *time.Timer
}

func newSlot(id frame.RequestID, now time.Time, timeout time.Duration) *Slot {
	return &Slot{
		ID:      id,
		Created: now,
		Expires: now.Add(timeout),
		done:    make(chan struct{}),
	}
}

// complete sets the outcome exactly once; later calls are ignored.
func (s *Slot) complete(o Outcome) bool {
	completed := false
	s.once.Do(func() {
		s.outcome = o
		completed = true
		close(s.done)
	})
	return completed
}

// Done is closed once the slot is resolved.
func (s *Slot) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the resolution, or false while still pending.
func (s *Slot) Outcome() (Outcome, bool) {
	select {
	case <-s.done:
		return s.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the slot is resolved or ctx is done.
func (s *Slot) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Table maps request ids to in-flight slots. A slot leaves the table in the same
// critical section that selects it for resolution, so no reader can see a slot that
// is present and already resolved.
type Table struct {
	mu    sync.Mutex
	slots map[frame.RequestID]*Slot

	now       func() time.Time
	useTimers bool
}

type TableOption func(*Table)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TableOption {
	return func(t *Table) {
		t.now = now
	}
}

// WithoutTimers disables per-slot timers; expiry then happens only through ExpireSweep.
func WithoutTimers() TableOption {
	return func(t *Table) {
		t.useTimers = false
	}
}

func NewTable(opts ...TableOption) *Table {
	t := &Table{
		slots:     make(map[frame.RequestID]*Slot),
		now:       time.Now,
		useTimers: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register inserts a new slot that times out after timeout.
func (t *Table) Register(id frame.RequestID, timeout time.Duration) (*Slot, error) {
	if id == "" {
		return nil, ErrEmptyRequestID
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.slots[id]; exists {
		return nil, ErrDuplicateRequestID
	}
	s := newSlot(id, t.now(), timeout)
	if t.useTimers {
		s.timer = time.AfterFunc(timeout, func() {
			t.resolveSlot(s, Outcome{Resolution: ResolvedTimeout})
		})
	}
	t.slots[id] = s
	return s, nil
}

// Resolve completes the slot for id with o and removes it.
func (t *Table) Resolve(id frame.RequestID, o Outcome) error {
	t.mu.Lock()
	s, found := t.slots[id]
	if found {
		delete(t.slots, id)
	}
	t.mu.Unlock()

	if !found {
		return ErrNotFound
	}
	t.finish(s, o)
	return nil
}

// Cancel resolves the slot for id as cancelled.
func (t *Table) Cancel(id frame.RequestID) error {
	return t.Resolve(id, Outcome{Resolution: ResolvedCancelled})
}

// resolveSlot resolves s only if it is still the slot registered under its id.
func (t *Table) resolveSlot(s *Slot, o Outcome) {
	t.mu.Lock()
	cur, found := t.slots[s.ID]
	if !found || cur != s {
		t.mu.Unlock()
		return
	}
	delete(t.slots, s.ID)
	t.mu.Unlock()

	t.finish(s, o)
}

func (t *Table) finish(s *Slot, o Outcome) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if o.At.IsZero() {
		o.At = t.now()
	}
	s.complete(o)
}

// ExpireSweep times out every slot whose expiry is not after now and returns how
// many were expired.
func (t *Table) ExpireSweep(now time.Time) int {
	t.mu.Lock()
	var expired []*Slot
	for id, s := range t.slots {
		if !s.Expires.After(now) {
			expired = append(expired, s)
			delete(t.slots, id)
		}
	}
	t.mu.Unlock()

	for _, s := range expired {
		t.finish(s, Outcome{Resolution: ResolvedTimeout, At: now})
	}
	return len(expired)
}

// FailAll resolves every pending slot with a send failure, e.g. when the transport
// shuts down.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	all := make([]*Slot, 0, len(t.slots))
	for _, s := range t.slots {
		all = append(all, s)
	}
	t.slots = make(map[frame.RequestID]*Slot)
	t.mu.Unlock()

	for _, s := range all {
		t.finish(s, SendFailure(err))
	}
	return len(all)
}

func (t *Table) Contains(id frame.RequestID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, found := t.slots[id]
	return found
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
