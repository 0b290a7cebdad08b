package frame

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed          = errors.New("malformed frame")
	ErrMissingID          = errors.New("frame has no unique id")
	ErrMissingAction      = errors.New("CALL frame has no action")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// UnknownTypeError is returned for a well-formed array with an unsupported
// discriminator. The id is kept so the receiver can still answer with an error.
type UnknownTypeError struct {
	ID   RequestID
	Type MessageType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("%v: %d (id %v)", ErrUnknownMessageType, int(e.Type), e.ID)
}

func (e *UnknownTypeError) Unwrap() error {
	return ErrUnknownMessageType
}
