// Package adapter correlates outgoing OCPP requests with their answers and routes
// inbound frames for one node: answers resolve pending calls, requests for this
// node go to registered handlers, everything else is forwarded along its path.
package adapter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"ocpp_node/frame"
	"ocpp_node/netpath"
	"ocpp_node/pending"
	"ocpp_node/signature"
)

const (
	DefaultTimeout = 30 * time.Second
)

// Sender hands a frame to the link toward nextHop. A returned error means the
// frame was not sent.
type Sender interface {
	SendFrame(ctx context.Context, nextHop netpath.NodeID, f *frame.Frame) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, nextHop netpath.NodeID, f *frame.Frame) error

func (fn SenderFunc) SendFrame(ctx context.Context, nextHop netpath.NodeID, f *frame.Frame) error {
	return fn(ctx, nextHop, f)
}

// StructValidator checks a parsed response; *validator.Validate satisfies it.
type StructValidator interface {
	Struct(s interface{}) error
}

// Adapter owns the pending-request table of one node. It is safe for concurrent use.
type Adapter struct {
	id netpath.NodeID
	// upstream receives requests that carry no destination and have no local handler.
	upstream netpath.NodeID

	mu       sync.RWMutex
	sender   Sender
	handlers map[string]Handler

	table     *pending.Table
	relays    pending.Relays
	policy    *signature.Policy
	validator StructValidator
	observers Observers
	log       *logrus.Entry

	defaultTimeout time.Duration
	relayLifetime  time.Duration
	newID          func() frame.RequestID
	newTrackingID  func() string

	stats counters
}

type counters struct {
	sent         atomic.Uint64
	answered     atomic.Uint64
	timeouts     atomic.Uint64
	sendFailures atomic.Uint64
	unsolicited  atomic.Uint64
	forwarded    atomic.Uint64
	delivered    atomic.Uint64
}

// Stats is a snapshot of the adapter's counters.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Answered     uint64 `json:"answered"`
	Timeouts     uint64 `json:"timeouts"`
	SendFailures uint64 `json:"sendFailures"`
	Unsolicited  uint64 `json:"unsolicited"`
	Forwarded    uint64 `json:"forwarded"`
	Delivered    uint64 `json:"delivered"`
	Pending      int    `json:"pending"`
	Relayed      int    `json:"relayed"`
}

type Option func(*Adapter)

func WithSender(s Sender) Option {
	return func(a *Adapter) {
		a.sender = s
	}
}

func WithPolicy(p *signature.Policy) Option {
	return func(a *Adapter) {
		a.policy = p
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(a *Adapter) {
		a.log = l
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.defaultTimeout = d
		}
	}
}

// WithUpstream names the neighbour toward the CSMS. Requests without routing
// metadata, as plain OCPP-J stations send them, go there unless this node handles
// the action itself. A node without upstream delivers them locally.
func WithUpstream(id netpath.NodeID) Option {
	return func(a *Adapter) {
		a.upstream = id
	}
}

// WithRelayLifetime sets how long forwarded request ids are remembered for
// answers that arrive without routing metadata.
func WithRelayLifetime(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.relayLifetime = d
		}
	}
}

// WithIDGenerator replaces the xid based request id generator.
func WithIDGenerator(fn func() frame.RequestID) Option {
	return func(a *Adapter) {
		a.newID = fn
	}
}

func WithTable(t *pending.Table) Option {
	return func(a *Adapter) {
		a.table = t
	}
}

// WithResponseValidator validates every typed response parsed by Call.
func WithResponseValidator(v StructValidator) Option {
	return func(a *Adapter) {
		a.validator = v
	}
}

func WithObserver(fn Observer) Option {
	return func(a *Adapter) {
		a.observers.Add(fn)
	}
}

func New(id netpath.NodeID, opts ...Option) *Adapter {
	a := &Adapter{
		id:             id,
		handlers:       map[string]Handler{},
		defaultTimeout: DefaultTimeout,
		newID: func() frame.RequestID {
			return frame.RequestID(xid.New().String())
		},
		newTrackingID: func() string {
			return xid.New().String()
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.table == nil {
		a.table = pending.NewTable()
	}
	if a.log == nil {
		a.log = logrus.NewEntry(logrus.StandardLogger())
	}
	a.log = a.log.WithField("node", string(id))
	if a.relayLifetime == 0 {
		a.relayLifetime = 2 * a.defaultTimeout
	}
	a.observers.log = a.log
	return a
}

func (a *Adapter) ID() netpath.NodeID {
	return a.id
}

// SetSender attaches the transport. Transports usually need the adapter for
// inbound delivery, so the two are wired after construction.
func (a *Adapter) SetSender(s Sender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sender = s
}

func (a *Adapter) getSender() Sender {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sender
}

func (a *Adapter) Observe(fn Observer) {
	a.observers.Add(fn)
}

// Cancel cancels an outstanding request; its caller receives Cancelled.
func (a *Adapter) Cancel(id frame.RequestID) error {
	return a.table.Cancel(id)
}

// FailPending releases every waiting caller with a send failure.
func (a *Adapter) FailPending(err error) int {
	n := a.table.FailAll(err)
	if n > 0 {
		a.log.Warnf("released %d pending requests: %v", n, err)
	}
	return n
}

func (a *Adapter) Pending() int {
	return a.table.Len()
}

func (a *Adapter) Stats() Stats {
	return Stats{
		Sent:         a.stats.sent.Load(),
		Answered:     a.stats.answered.Load(),
		Timeouts:     a.stats.timeouts.Load(),
		SendFailures: a.stats.sendFailures.Load(),
		Unsolicited:  a.stats.unsolicited.Load(),
		Forwarded:    a.stats.forwarded.Load(),
		Delivered:    a.stats.delivered.Load(),
		Pending:      a.table.Len(),
		Relayed:      a.relays.Len(),
	}
}

func (a *Adapter) logFrame(f *frame.Frame) *logrus.Entry {
	return a.log.WithFields(logrus.Fields{"id": string(f.ID), "message": f.Action, "type": f.Type.String()})
}
