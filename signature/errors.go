package signature

import "errors"

var (
	ErrBadKey             = errors.New("bad key")
	ErrBadRule            = errors.New("bad signature rule")
	ErrNoPrivateKey       = errors.New("no private key")
	ErrSigningFailed      = errors.New("signing failed")
	ErrMandatorySignature = errors.New("mandatory signature could not be produced")
	ErrCanonicalization   = errors.New("payload cannot be canonicalized")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrMissingSignature   = errors.New("missing required signature")
)
