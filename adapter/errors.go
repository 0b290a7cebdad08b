package adapter

import "errors"

var (
	ErrTimeout            = errors.New("request timed out")
	ErrCancelled          = errors.New("request cancelled")
	ErrSendFailure        = errors.New("request could not be sent")
	ErrNoRoute            = errors.New("no route to destination")
	ErrNoSender           = errors.New("adapter has no transport")
	ErrInvalidRequestID   = errors.New("invalid request id")
	ErrFormationViolation = errors.New("response does not match the expected type")
	ErrSignature          = errors.New("signature policy violated")
	ErrRequestError       = errors.New("peer answered with an error")
	ErrExceptionOccurred  = errors.New("unexpected failure while processing request")
)
