package pending

import (
	"fmt"
	"time"

	"ocpp_node/frame"
)

// Resolution tells how a pending slot was completed.
type Resolution int

const (
	ResolvedResponse Resolution = iota + 1
	ResolvedError
	ResolvedTimeout
	ResolvedCancelled
	ResolvedSendFailure
)

func (r Resolution) String() string {
	switch r {
	case ResolvedResponse:
		return "response"
	case ResolvedError:
		return "error"
	case ResolvedTimeout:
		return "timeout"
	case ResolvedCancelled:
		return "cancelled"
	case ResolvedSendFailure:
		return "send-failure"
	}
	return fmt.Sprintf("Resolution(%d)", int(r))
}

// Outcome is the value a slot is completed with. Frame is set for ResolvedResponse
// and ResolvedError, Err for ResolvedSendFailure.
type Outcome struct {
	Resolution Resolution
	Frame      *frame.Frame
	Err        error
	At         time.Time
}

// FromFrame builds the outcome for an inbound answer frame.
func FromFrame(f *frame.Frame) Outcome {
	if f.Type.IsError() {
		return Outcome{Resolution: ResolvedError, Frame: f}
	}
	return Outcome{Resolution: ResolvedResponse, Frame: f}
}

func SendFailure(err error) Outcome {
	return Outcome{Resolution: ResolvedSendFailure, Err: err}
}
