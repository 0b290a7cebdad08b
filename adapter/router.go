package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocppj"

	"ocpp_node/frame"
	"ocpp_node/netpath"
	"ocpp_node/pending"
)

// RoutingAction is what the router decided to do with an inbound frame.
type RoutingAction int

const (
	ResolvePending RoutingAction = iota + 1
	DeliverLocally
	Forward
	DropUnsolicited
	// ReportError is a CALLRESULTERROR about an answer this node sent.
	ReportError
)

func (r RoutingAction) String() string {
	switch r {
	case ResolvePending:
		return "ResolvePending"
	case DeliverLocally:
		return "DeliverLocally"
	case Forward:
		return "Forward"
	case DropUnsolicited:
		return "DropUnsolicited"
	case ReportError:
		return "ReportError"
	}
	return fmt.Sprintf("RoutingAction(%d)", int(r))
}

// Decision is the outcome of Route. Handler is nil for DeliverLocally when no
// handler is registered for the action.
type Decision struct {
	Action  RoutingAction
	NextHop netpath.NodeID
	Handler Handler
}

// Route classifies f, which arrived from the neighbour arrival. It has no side
// effects.
func (a *Adapter) Route(f *frame.Frame, arrival netpath.NodeID) Decision {
	local := f.Destination.IsEmpty() || f.Destination.IsFinal(a.id)

	switch {
	case f.Type == frame.Call:
		if f.Destination.IsEmpty() {
			h, ok := a.handler(f.Action)
			if !ok && !a.upstream.IsZero() && arrival != a.upstream {
				return Decision{Action: Forward, NextHop: a.upstream}
			}
			return Decision{Action: DeliverLocally, Handler: h}
		}
		if local {
			h, _ := a.handler(f.Action)
			return Decision{Action: DeliverLocally, Handler: h}
		}
		next, _ := f.Destination.NextHop(a.id)
		return Decision{Action: Forward, NextHop: next}

	case f.Type.IsAnswer():
		if local && a.table.Contains(f.ID) {
			return Decision{Action: ResolvePending}
		}
		if f.Destination.IsEmpty() {
			if route, ok := a.relays.Peek(arrival, f.ID); ok {
				next, _ := route.NextHop(a.id)
				return Decision{Action: Forward, NextHop: next}
			}
		}
		if !local {
			next, _ := f.Destination.NextHop(a.id)
			return Decision{Action: Forward, NextHop: next}
		}
		return Decision{Action: DropUnsolicited}

	case f.Type == frame.CallResultError:
		if local {
			return Decision{Action: ReportError}
		}
		next, _ := f.Destination.NextHop(a.id)
		return Decision{Action: Forward, NextHop: next}
	}
	return Decision{Action: DropUnsolicited}
}

// HandleInbound routes and processes one frame delivered by the transport from
// the neighbour arrival. Request handlers run on their own goroutine; everything
// else completes before HandleInbound returns and never blocks on a caller.
func (a *Adapter) HandleInbound(ctx context.Context, arrival netpath.NodeID, f *frame.Frame) {
	if f.NetworkPath.IsEmpty() && !arrival.IsZero() {
		f.NetworkPath = netpath.New(arrival)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	d := a.Route(f, arrival)
	a.logFrame(f).WithField("route", d.Action.String()).Debugf("inbound from %v", arrival)

	switch d.Action {
	case ResolvePending:
		if err := a.table.Resolve(f.ID, pending.FromFrame(f)); err != nil {
			a.unsolicited(arrival, f)
			return
		}
		if f.Type == frame.CallError {
			a.observers.Emit(Event{
				Kind:            RequestErrorReceived,
				Node:            a.id,
				Peer:            arrival,
				RequestID:       f.ID,
				EventTrackingID: f.EventTrackingID,
				ErrorCode:       f.ErrorCode,
			})
		}
	case DeliverLocally:
		a.stats.delivered.Add(1)
		go a.deliver(ctx, arrival, f, d.Handler)
	case Forward:
		a.forward(ctx, arrival, f, d.NextHop)
	case ReportError:
		a.logFrame(f).Warnf("peer rejected our answer: %v %v", f.ErrorCode, f.ErrorDescription)
		a.observers.Emit(Event{
			Kind:            ResponseErrorReceived,
			Node:            a.id,
			Peer:            arrival,
			RequestID:       f.ID,
			EventTrackingID: f.EventTrackingID,
			ErrorCode:       f.ErrorCode,
		})
	case DropUnsolicited:
		a.unsolicited(arrival, f)
	}
}

// HandleMalformed answers a frame the transport could not decode. Only frames whose
// id survived decoding can be answered.
func (a *Adapter) HandleMalformed(ctx context.Context, arrival netpath.NodeID, err error) {
	var ute *frame.UnknownTypeError
	if !errors.As(err, &ute) {
		a.log.WithField("peer", string(arrival)).Warnf("dropping undecodable message: %v", err)
		return
	}
	req := &frame.Frame{ID: ute.ID, NetworkPath: netpath.New(arrival)}
	a.reply(ctx, req, frame.NewCallError(ute.ID, ocppj.MessageTypeNotSupported, err.Error(), nil))
}

func (a *Adapter) unsolicited(arrival netpath.NodeID, f *frame.Frame) {
	a.stats.unsolicited.Add(1)
	a.logFrame(f).WithField("peer", string(arrival)).Debug("dropping answer with no pending request")
	a.observers.Emit(Event{
		Kind:            Unsolicited,
		Node:            a.id,
		Peer:            arrival,
		RequestID:       f.ID,
		EventTrackingID: f.EventTrackingID,
		ErrorCode:       f.ErrorCode,
	})
}

func (a *Adapter) deliver(ctx context.Context, arrival netpath.NodeID, f *frame.Frame, h Handler) {
	log := a.logFrame(f)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler panicked: %v", r)
			a.reply(ctx, f, frame.NewCallError(f.ID, ocppj.InternalError, "internal failure", nil))
		}
	}()

	if h == nil {
		a.reply(ctx, f, frame.NewCallError(f.ID, ocppj.NotImplemented, fmt.Sprintf("action %v is not implemented", f.Action), nil))
		return
	}
	if v := a.policy.Verify(f.Action, f.Payload); !v.OK {
		log.Warnf("request rejected by signature policy: %v", v.Err())
		a.reply(ctx, f, frame.NewCallError(f.ID, ocppj.SecurityError, v.Err().Error(), nil))
		return
	}

	resp, err := h(ctx, &InboundRequest{
		ID:              f.ID,
		Action:          f.Action,
		Payload:         f.Payload,
		From:            arrival,
		NetworkPath:     f.NetworkPath,
		EventTrackingID: f.EventTrackingID,
		Received:        f.Timestamp,
	})
	if err != nil {
		var oe *ocpp.Error
		if errors.As(err, &oe) {
			a.reply(ctx, f, frame.NewCallError(f.ID, oe.Code, oe.Description, nil))
			return
		}
		log.Errorf("handler failed: %v", err)
		a.reply(ctx, f, frame.NewCallError(f.ID, ocppj.InternalError, "internal failure", nil))
		return
	}

	payload, err := marshalPayload(resp)
	if err != nil {
		log.Errorf("couldn't marshal response: %v", err)
		a.reply(ctx, f, frame.NewCallError(f.ID, ocppj.InternalError, "internal failure", nil))
		return
	}
	signed, _, err := a.policy.Sign(f.Action, payload)
	if err != nil {
		log.Errorf("couldn't sign response: %v", err)
		a.reply(ctx, f, frame.NewCallError(f.ID, ocppj.SecurityError, "response could not be signed", nil))
		return
	}
	a.reply(ctx, f, frame.NewCallResult(f.ID, signed))
}

// reply sends answer back along the path req traveled.
func (a *Adapter) reply(ctx context.Context, req *frame.Frame, answer *frame.Frame) {
	answer.Destination = req.NetworkPath.ReturnRoute(a.id)
	answer.NetworkPath = netpath.New(a.id)
	answer.EventTrackingID = req.EventTrackingID

	next, ok := answer.Destination.NextHop(a.id)
	if !ok {
		a.logFrame(req).Warn("no route back to requester")
		return
	}
	sender := a.getSender()
	if sender == nil {
		a.logFrame(req).Warn(ErrNoSender)
		return
	}
	if err := sender.SendFrame(ctx, next, answer); err != nil {
		a.logFrame(answer).Warnf("couldn't answer %v: %v", next, err)
	}
}

func (a *Adapter) forward(ctx context.Context, arrival netpath.NodeID, f *frame.Frame, next netpath.NodeID) {
	out := f.Clone()
	out.NetworkPath = f.NetworkPath.Append(a.id)

	switch {
	case f.Type == frame.Call:
		a.relays.Store(next, f.ID, f.NetworkPath.ReturnRoute(a.id), a.relayLifetime)
	case f.Destination.IsEmpty():
		route, _ := a.relays.Take(arrival, f.ID)
		out.Destination = route
	default:
		a.relays.Take(arrival, f.ID)
	}

	sender := a.getSender()
	err := ErrNoSender
	if sender != nil && !next.IsZero() {
		err = sender.SendFrame(ctx, next, out)
	} else if next.IsZero() {
		err = ErrNoRoute
	}

	a.observers.Emit(Event{
		Kind:            Forwarded,
		Node:            a.id,
		Peer:            next,
		RequestID:       f.ID,
		Action:          f.Action,
		EventTrackingID: f.EventTrackingID,
		Err:             err,
	})
	if err == nil {
		a.stats.forwarded.Add(1)
		return
	}

	a.logFrame(f).Warnf("couldn't forward to %v: %v", next, err)
	if f.Type == frame.Call {
		a.relays.Take(next, f.ID)
		details, _ := json.Marshal(map[string]string{"nextHop": string(next)})
		a.reply(ctx, f, frame.NewCallError(f.ID, ocppj.GenericError, fmt.Sprintf("forwarding to %v failed", next), details))
	}
}
