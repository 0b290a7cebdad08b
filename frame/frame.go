// Package frame implements the OCPP-J wire frames exchanged between nodes and the
// JSON envelope that carries routing metadata on networking-node links.
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocppj"

	"ocpp_node/netpath"
)

// MessageType is the discriminator in the first element of every OCPP-J array.
type MessageType int

const (
	Call            MessageType = MessageType(ocppj.CALL)
	CallResult      MessageType = MessageType(ocppj.CALL_RESULT)
	CallError       MessageType = MessageType(ocppj.CALL_ERROR)
	CallResultError MessageType = 5 // OCPP 2.1: error answering a CALLRESULT
)

func (t MessageType) String() string {
	switch t {
	case Call:
		return "CALL"
	case CallResult:
		return "CALLRESULT"
	case CallError:
		return "CALLERROR"
	case CallResultError:
		return "CALLRESULTERROR"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

func (t MessageType) IsValid() bool {
	return t >= Call && t <= CallResultError
}

// IsAnswer reports whether frames of this type answer a previously sent request.
func (t MessageType) IsAnswer() bool {
	return t == CallResult || t == CallError
}

// IsError reports whether frames of this type carry an error code.
func (t MessageType) IsError() bool {
	return t == CallError || t == CallResultError
}

// RequestID correlates a CALL with its answer.
type RequestID string

// MaxRequestIDLength is the OCPP-J limit on unique message ids.
const MaxRequestIDLength = 36

// Frame is a decoded OCPP-J message plus the out-of-band routing metadata that is
// not part of the OCPP-J array.
type Frame struct {
	Type    MessageType
	ID      RequestID
	Action  string          // CALL only
	Payload json.RawMessage // CALL and CALLRESULT

	ErrorCode        ocpp.ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage

	Destination     netpath.NetworkPath
	NetworkPath     netpath.NetworkPath
	EventTrackingID string
	Timestamp       time.Time
}

func NewCall(id RequestID, action string, payload json.RawMessage) *Frame {
	return &Frame{Type: Call, ID: id, Action: action, Payload: payload, Timestamp: time.Now()}
}

func NewCallResult(id RequestID, payload json.RawMessage) *Frame {
	return &Frame{Type: CallResult, ID: id, Payload: payload, Timestamp: time.Now()}
}

func NewCallError(id RequestID, code ocpp.ErrorCode, description string, details json.RawMessage) *Frame {
	return &Frame{
		Type:             CallError,
		ID:               id,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     details,
		Timestamp:        time.Now(),
	}
}

func NewCallResultError(id RequestID, code ocpp.ErrorCode, description string, details json.RawMessage) *Frame {
	f := NewCallError(id, code, description, details)
	f.Type = CallResultError
	return f
}

// Clone returns a copy whose metadata can be changed without touching f.
func (f *Frame) Clone() *Frame {
	c := *f
	return &c
}

// AsOCPPError returns the protocol error carried by an error frame.
func (f *Frame) AsOCPPError() *ocpp.Error {
	return ocpp.NewError(f.ErrorCode, f.ErrorDescription, string(f.ID))
}

func (f *Frame) String() string {
	switch f.Type {
	case Call:
		return fmt.Sprintf("%v[%v] %v", f.Type, f.ID, f.Action)
	case CallError, CallResultError:
		return fmt.Sprintf("%v[%v] %v: %v", f.Type, f.ID, f.ErrorCode, f.ErrorDescription)
	}
	return fmt.Sprintf("%v[%v]", f.Type, f.ID)
}

var emptyObject = json.RawMessage("{}")

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return emptyObject
	}
	return raw
}

// MarshalJSON writes the OCPP-J array form. Routing metadata is not included.
func (f *Frame) MarshalJSON() ([]byte, error) {
	if f.ID == "" {
		return nil, ErrMissingID
	}
	var arr []any
	switch f.Type {
	case Call:
		if f.Action == "" {
			return nil, ErrMissingAction
		}
		arr = []any{int(f.Type), f.ID, f.Action, orEmpty(f.Payload)}
	case CallResult:
		arr = []any{int(f.Type), f.ID, orEmpty(f.Payload)}
	case CallError, CallResultError:
		arr = []any{int(f.Type), f.ID, f.ErrorCode, f.ErrorDescription, orEmpty(f.ErrorDetails)}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, int(f.Type))
	}
	return json.Marshal(arr)
}

// UnmarshalJSON parses the OCPP-J array form.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(arr) < 3 {
		return fmt.Errorf("%w: expected at least 3 elements, got %d", ErrMalformed, len(arr))
	}

	var typ int
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return fmt.Errorf("%w: message type: %v", ErrMalformed, err)
	}
	var id string
	if err := json.Unmarshal(arr[1], &id); err != nil {
		return fmt.Errorf("%w: unique id: %v", ErrMalformed, err)
	}
	if id == "" {
		return ErrMissingID
	}
	if len(id) > MaxRequestIDLength {
		return fmt.Errorf("%w: unique id longer than %d", ErrMalformed, MaxRequestIDLength)
	}

	out := Frame{Type: MessageType(typ), ID: RequestID(id)}
	switch out.Type {
	case Call:
		if len(arr) != 4 {
			return fmt.Errorf("%w: CALL expects 4 elements, got %d", ErrMalformed, len(arr))
		}
		if err := json.Unmarshal(arr[2], &out.Action); err != nil || out.Action == "" {
			return ErrMissingAction
		}
		out.Payload = arr[3]
	case CallResult:
		if len(arr) != 3 {
			return fmt.Errorf("%w: CALLRESULT expects 3 elements, got %d", ErrMalformed, len(arr))
		}
		out.Payload = arr[2]
	case CallError, CallResultError:
		if len(arr) != 5 {
			return fmt.Errorf("%w: %v expects 5 elements, got %d", ErrMalformed, out.Type, len(arr))
		}
		var code string
		if err := json.Unmarshal(arr[2], &code); err != nil {
			return fmt.Errorf("%w: error code: %v", ErrMalformed, err)
		}
		out.ErrorCode = ocpp.ErrorCode(code)
		if err := json.Unmarshal(arr[3], &out.ErrorDescription); err != nil {
			return fmt.Errorf("%w: error description: %v", ErrMalformed, err)
		}
		out.ErrorDetails = arr[4]
	default:
		return &UnknownTypeError{ID: out.ID, Type: out.Type}
	}

	*f = out
	return nil
}
