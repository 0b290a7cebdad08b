package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ocpp_node/frame"
	"ocpp_node/netpath"
	"ocpp_node/pending"
)

// SendAndWait sends req and blocks until its answer, a timeout, a cancellation or a
// send failure. It never panics and never returns without a Kind set; on
// ValidResponse Response holds the raw payload.
func (a *Adapter) SendAndWait(ctx context.Context, req *Request) Result[json.RawMessage] {
	return a.sendAndWait(ctx, req, nil)
}

// Call sends req and parses a valid answer into T. A payload that does not parse
// (or fails the adapter's response validator) yields FormationViolation.
func Call[T any](ctx context.Context, a *Adapter, req *Request) Result[T] {
	var resp T
	raw := a.sendAndWait(ctx, req, func(payload json.RawMessage) error {
		if err := json.Unmarshal(payload, &resp); err != nil {
			return err
		}
		if a.validator != nil {
			return a.validator.Struct(&resp)
		}
		return nil
	})
	return withResponse(raw, resp)
}

func (a *Adapter) prepare(req *Request) {
	if req.ID == "" {
		req.ID = a.newID()
	}
	if req.EventTrackingID == "" {
		req.EventTrackingID = a.newTrackingID()
	}
	if req.Created.IsZero() {
		req.Created = time.Now()
	}
	if req.Timeout <= 0 {
		req.Timeout = a.defaultTimeout
	}
}

// route returns the full destination path, starting at this node, and the first hop.
// Without a destination the request goes to the upstream with no routing metadata,
// leaving the choice of target to it.
func (a *Adapter) route(dst netpath.NetworkPath) (netpath.NetworkPath, netpath.NodeID, error) {
	if dst.IsEmpty() && !a.upstream.IsZero() {
		return dst, a.upstream, nil
	}
	if src, ok := dst.Source(); !ok || src != a.id {
		dst = dst.Prepend(a.id)
	}
	next, ok := dst.NextHop(a.id)
	if !ok {
		return dst, "", ErrNoRoute
	}
	return dst, next, nil
}

func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	return json.Marshal(p)
}

func (a *Adapter) sendAndWait(ctx context.Context, req *Request, parse func(json.RawMessage) error) (res Result[json.RawMessage]) {
	a.prepare(req)
	res = Result[json.RawMessage]{RequestID: req.ID, Action: req.Action, Sent: req.Created}
	log := a.log.WithFields(logrus.Fields{"id": string(req.ID), "message": req.Action})

	// only a slot this call registered may be cancelled; the id can belong to another caller
	registered := false
	defer func() {
		if r := recover(); r != nil {
			if registered {
				_ = a.table.Cancel(req.ID)
			}
			log.Errorf("unexpected failure: %v", r)
			res.Kind = ExceptionOccurred
			res.Err = fmt.Errorf("%w: %v", ErrExceptionOccurred, r)
			res.Received = time.Now()
			a.emitAnswered(req, res)
		}
	}()

	fail := func(kind Kind, err error) Result[json.RawMessage] {
		res.Kind = kind
		res.Err = err
		res.Received = time.Now()
		if kind == SendFailure {
			a.stats.sendFailures.Add(1)
		}
		a.observers.Emit(Event{
			Kind:            RequestSent,
			Node:            a.id,
			RequestID:       req.ID,
			Action:          req.Action,
			EventTrackingID: req.EventTrackingID,
			Err:             err,
		})
		a.emitAnswered(req, res)
		return res
	}

	if len(req.ID) > frame.MaxRequestIDLength {
		return fail(SendFailure, fmt.Errorf("%w: %w: longer than %d characters", ErrSendFailure, ErrInvalidRequestID, frame.MaxRequestIDLength))
	}

	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return fail(ExceptionOccurred, fmt.Errorf("%w: marshal %v: %w", ErrExceptionOccurred, req.Action, err))
	}
	signed, _, err := a.policy.Sign(req.Action, payload)
	if err != nil {
		log.Warnf("not sent, signing failed: %v", err)
		return fail(SignatureError, fmt.Errorf("%w: %w", ErrSignature, err))
	}

	dst, next, err := a.route(req.Destination)
	if err != nil {
		return fail(SendFailure, fmt.Errorf("%w: %w", ErrSendFailure, err))
	}
	sender := a.getSender()
	if sender == nil {
		return fail(SendFailure, fmt.Errorf("%w: %w", ErrSendFailure, ErrNoSender))
	}

	// The slot must exist before the frame leaves, or a fast answer finds nothing.
	slot, err := a.table.Register(req.ID, req.Timeout)
	if err != nil {
		return fail(SendFailure, fmt.Errorf("%w: %w", ErrSendFailure, err))
	}
	registered = true

	f := frame.NewCall(req.ID, req.Action, signed)
	f.Destination = dst
	f.NetworkPath = netpath.New(a.id)
	f.EventTrackingID = req.EventTrackingID
	f.Timestamp = req.Created

	sendErr := sender.SendFrame(ctx, next, f)
	if sendErr == nil {
		a.stats.sent.Add(1)
	}
	a.observers.Emit(Event{
		Kind:            RequestSent,
		Node:            a.id,
		Peer:            next,
		RequestID:       req.ID,
		Action:          req.Action,
		EventTrackingID: req.EventTrackingID,
		Err:             sendErr,
	})
	if sendErr != nil {
		log.Warnf("couldn't send message to %v: %v", next, sendErr)
		_ = a.table.Resolve(req.ID, pending.SendFailure(sendErr))
	}

	o := a.await(ctx, slot)
	res.Received = o.At
	switch o.Resolution {
	case pending.ResolvedResponse:
		a.stats.answered.Add(1)
		res.NetworkPath = o.Frame.NetworkPath
		res.RawResponse = o.Frame.Payload
		if v := a.policy.Verify(req.Action, o.Frame.Payload); !v.OK {
			log.Warnf("response rejected by signature policy: %v", v.Err())
			res.Kind = SignatureError
			res.Err = fmt.Errorf("%w: %w", ErrSignature, v.Err())
			break
		}
		if parse != nil {
			if err := parse(o.Frame.Payload); err != nil {
				res.Kind = FormationViolation
				res.Err = fmt.Errorf("%w: %w", ErrFormationViolation, err)
				break
			}
		}
		res.Kind = ValidResponse
		res.Response = o.Frame.Payload
	case pending.ResolvedError:
		a.stats.answered.Add(1)
		res.Kind = RequestError
		res.NetworkPath = o.Frame.NetworkPath
		res.ProtocolError = o.Frame.AsOCPPError()
		res.ErrorDetails = o.Frame.ErrorDetails
	case pending.ResolvedTimeout:
		a.stats.timeouts.Add(1)
		res.Kind = Timeout
		res.Err = fmt.Errorf("%w after %v", ErrTimeout, req.Timeout)
	case pending.ResolvedCancelled:
		res.Kind = Cancelled
		if ctx.Err() != nil {
			res.Err = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		} else {
			res.Err = ErrCancelled
		}
	case pending.ResolvedSendFailure:
		a.stats.sendFailures.Add(1)
		res.Kind = SendFailure
		res.Err = fmt.Errorf("%w: %w", ErrSendFailure, o.Err)
	}
	a.emitAnswered(req, res)
	return res
}

// await is the only place a caller blocks. A done context cancels the slot; the
// slot's own outcome still wins if an answer got there first.
func (a *Adapter) await(ctx context.Context, slot *pending.Slot) pending.Outcome {
	select {
	case <-slot.Done():
	case <-ctx.Done():
		_ = a.table.Cancel(slot.ID)
		<-slot.Done()
	}
	o, _ := slot.Outcome()
	return o
}

func (a *Adapter) emitAnswered(req *Request, res Result[json.RawMessage]) {
	e := Event{
		Kind:            ResponseReceived,
		Node:            a.id,
		RequestID:       req.ID,
		Action:          req.Action,
		EventTrackingID: req.EventTrackingID,
		Outcome:         res.Kind,
		Err:             res.Err,
		At:              res.Received,
	}
	if res.ProtocolError != nil {
		e.ErrorCode = res.ProtocolError.Code
	}
	a.observers.Emit(e)
}
