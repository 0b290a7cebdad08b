package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

// Request is an outgoing call. Zero fields are filled from the adapter's defaults
// when it is sent.
type Request struct {
	ID     frame.RequestID
	Action string
	// Destination lists the hops toward the target, which is the final entry. The
	// sending node may be included as the first entry or left out.
	Destination     netpath.NetworkPath
	EventTrackingID string
	Created         time.Time
	Timeout         time.Duration
	// Payload is marshaled with encoding/json; json.RawMessage is sent as is.
	Payload any
}

// NewRequest builds a request for an ocpp-go message, taking the action name from
// the message itself.
func NewRequest(payload ocpp.Request, destination ...netpath.NodeID) *Request {
	return &Request{
		Action:      payload.GetFeatureName(),
		Destination: netpath.New(destination...),
		Payload:     payload,
	}
}

// NewRawRequest builds a request from an action name and an already encoded payload.
func NewRawRequest(action string, payload json.RawMessage, destination ...netpath.NodeID) *Request {
	return &Request{
		Action:      action,
		Destination: netpath.New(destination...),
		Payload:     payload,
	}
}

// Kind is the outcome of a call.
type Kind int

const (
	ValidResponse Kind = iota + 1
	RequestError
	SendFailure
	Timeout
	Cancelled
	FormationViolation
	SignatureError
	ExceptionOccurred
)

func (k Kind) String() string {
	switch k {
	case ValidResponse:
		return "ValidResponse"
	case RequestError:
		return "RequestError"
	case SendFailure:
		return "SendFailure"
	case Timeout:
		return "Timeout"
	case Cancelled:
		return "Cancelled"
	case FormationViolation:
		return "FormationViolation"
	case SignatureError:
		return "SignatureError"
	case ExceptionOccurred:
		return "ExceptionOccurred"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result carries every possible outcome of a call in one shape. Response is only
// meaningful for ValidResponse, ProtocolError only for RequestError; Err is set for
// every other kind.
type Result[T any] struct {
	Kind      Kind
	RequestID frame.RequestID
	Action    string

	Response    T
	RawResponse json.RawMessage

	ProtocolError *ocpp.Error
	ErrorDetails  json.RawMessage
	Err           error

	NetworkPath netpath.NetworkPath
	Sent        time.Time
	Received    time.Time
}

func (r Result[T]) OK() bool {
	return r.Kind == ValidResponse
}

func (r Result[T]) Runtime() time.Duration {
	if r.Received.IsZero() || r.Sent.IsZero() {
		return 0
	}
	return r.Received.Sub(r.Sent)
}

// AsError returns nil for a valid response and an error describing the outcome
// otherwise.
func (r Result[T]) AsError() error {
	switch r.Kind {
	case ValidResponse:
		return nil
	case RequestError:
		if r.ProtocolError != nil {
			return fmt.Errorf("%w: %w", ErrRequestError, r.ProtocolError)
		}
		return ErrRequestError
	}
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("%w: %v", ErrExceptionOccurred, r.Kind)
}

// withResponse converts a raw result into a typed one, keeping everything but the
// response value.
func withResponse[T any](raw Result[json.RawMessage], resp T) Result[T] {
	return Result[T]{
		Kind:          raw.Kind,
		RequestID:     raw.RequestID,
		Action:        raw.Action,
		Response:      resp,
		RawResponse:   raw.RawResponse,
		ProtocolError: raw.ProtocolError,
		ErrorDetails:  raw.ErrorDetails,
		Err:           raw.Err,
		NetworkPath:   raw.NetworkPath,
		Sent:          raw.Sent,
		Received:      raw.Received,
	}
}
