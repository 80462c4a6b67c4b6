package protocol

import "errors"

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrMissingKind    = errors.New("protocol: missing msg kind")
	ErrMissingID      = errors.New("protocol: missing correlation id")
)
