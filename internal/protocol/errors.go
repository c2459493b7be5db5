package protocol

import "errors"

var (
	ErrMalformed  = errors.New("protocol: malformed request")
	ErrUnknownTag = errors.New("protocol: unknown request tag")
	ErrEmpty      = errors.New("protocol: empty message")
)
