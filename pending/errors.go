package pending

import "errors"

var (
	ErrDuplicateRequestID = errors.New("a request with this id is already pending")
	ErrNotFound           = errors.New("no pending request with this id")
	ErrEmptyRequestID     = errors.New("request id must not be empty")
)
