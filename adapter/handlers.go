package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocppj"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

// InboundRequest is a CALL addressed to this node.
type InboundRequest struct {
	ID              frame.RequestID
	Action          string
	Payload         json.RawMessage
	From            netpath.NodeID
	NetworkPath     netpath.NetworkPath
	EventTrackingID string
	Received        time.Time
}

// Origin returns the node that created the request.
func (r *InboundRequest) Origin() netpath.NodeID {
	src, _ := r.NetworkPath.Source()
	return src
}

// Handler answers one action. Returning an *ocpp.Error sends that error code back;
// any other error is answered with a generic InternalError.
type Handler func(ctx context.Context, req *InboundRequest) (ocpp.Response, error)

// Handle registers h for action, replacing any previous handler.
func (a *Adapter) Handle(action string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[action] = h
}

func (a *Adapter) handler(action string) (Handler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.handlers[action]
	return h, ok
}

// Actions lists the registered action names.
func (a *Adapter) Actions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.handlers))
	for action := range a.handlers {
		out = append(out, action)
	}
	return out
}

// HandleFunc registers a handler that receives the payload parsed into T. A
// payload that does not parse is answered with FormatViolation.
func HandleFunc[T any](a *Adapter, action string, fn func(ctx context.Context, req *InboundRequest, payload *T) (ocpp.Response, error)) {
	a.Handle(action, func(ctx context.Context, req *InboundRequest) (ocpp.Response, error) {
		payload := new(T)
		if err := json.Unmarshal(req.Payload, payload); err != nil {
			return nil, ocpp.NewError(ocppj.FormatViolationV2, fmt.Sprintf("invalid %v payload: %v", action, err), string(req.ID))
		}
		return fn(ctx, req, payload)
	})
}
