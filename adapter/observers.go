package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/sirupsen/logrus"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

type EventKind int

const (
	RequestSent EventKind = iota + 1
	ResponseReceived
	RequestErrorReceived
	ResponseErrorReceived
	Forwarded
	Unsolicited
)

func (k EventKind) String() string {
	switch k {
	case RequestSent:
		return "request.sent"
	case ResponseReceived:
		return "response.received"
	case RequestErrorReceived:
		return "request.error.received"
	case ResponseErrorReceived:
		return "response.error.received"
	case Forwarded:
		return "frame.forwarded"
	case Unsolicited:
		return "frame.unsolicited"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is handed to observers. Outcome is set on ResponseReceived, ErrorCode on
// the error events, Err whenever the step failed.
type Event struct {
	Kind            EventKind
	Node            netpath.NodeID
	Peer            netpath.NodeID
	RequestID       frame.RequestID
	Action          string
	EventTrackingID string
	Outcome         Kind
	ErrorCode       ocpp.ErrorCode
	Err             error
	At              time.Time
}

type Observer func(Event)

// Observers fans events out to every registered observer. A panicking observer is
// logged and skipped; the others and the caller are unaffected. Observers run on
// the emitting goroutine and must not block.
type Observers struct {
	mu   sync.RWMutex
	list []Observer
	log  *logrus.Entry
}

func (o *Observers) Add(fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, fn)
}

func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.list)
}

func (o *Observers) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()

	for _, fn := range list {
		o.call(fn, e)
	}
}

func (o *Observers) call(fn Observer, e Event) {
	defer func() {
		if r := recover(); r != nil && o.log != nil {
			o.log.WithField("event", e.Kind.String()).Errorf("observer panicked: %v", r)
		}
	}()
	fn(e)
}
