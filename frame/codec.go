package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"ocpp_node/netpath"
)

// Format selects how a frame is written on a link.
type Format int

const (
	// FormatOCPPJ is the bare OCPP-J array understood by every OCPP peer.
	FormatOCPPJ Format = iota
	// FormatEnvelope wraps the array in an object carrying routing metadata.
	FormatEnvelope
)

func (f Format) String() string {
	if f == FormatEnvelope {
		return "envelope"
	}
	return "ocpp-j"
}

type envelope struct {
	Destination     netpath.NetworkPath `json:"destination"`
	NetworkPath     netpath.NetworkPath `json:"networkPath"`
	EventTrackingID string              `json:"eventTrackingId,omitempty"`
	Timestamp       *time.Time          `json:"timestamp,omitempty"`
	Message         *Frame              `json:"message"`
}

// Encode writes f in the given format.
func Encode(f *Frame, format Format) ([]byte, error) {
	if format == FormatOCPPJ {
		return json.Marshal(f)
	}
	env := envelope{
		Destination:     f.Destination,
		NetworkPath:     f.NetworkPath,
		EventTrackingID: f.EventTrackingID,
		Message:         f,
	}
	if !f.Timestamp.IsZero() {
		ts := f.Timestamp.UTC()
		env.Timestamp = &ts
	}
	return json.Marshal(env)
}

// Decode parses either form, detected from the first non-space byte, and reports
// which one it saw so a peer can be answered the same way.
func Decode(data []byte) (*Frame, Format, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, FormatOCPPJ, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	switch trimmed[0] {
	case '[':
		f := &Frame{}
		if err := json.Unmarshal(trimmed, f); err != nil {
			return nil, FormatOCPPJ, err
		}
		return f, FormatOCPPJ, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, FormatEnvelope, err
		}
		if env.Message == nil {
			return nil, FormatEnvelope, fmt.Errorf("%w: envelope without message", ErrMalformed)
		}
		f := env.Message
		f.Destination = env.Destination
		f.NetworkPath = env.NetworkPath
		f.EventTrackingID = env.EventTrackingID
		if env.Timestamp != nil {
			f.Timestamp = *env.Timestamp
		}
		return f, FormatEnvelope, nil
	}
	return nil, FormatOCPPJ, fmt.Errorf("%w: unexpected leading byte %q", ErrMalformed, trimmed[0])
}
