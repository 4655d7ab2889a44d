package weft

import "errors"

var (
	ErrNotFound       = errors.New("manager: object not found")
	ErrOverRelease    = errors.New("manager: decrement would bring token count below zero")
	ErrZeroTokens     = errors.New("manager: publish requires at least one token")
	ErrHandleReleased = errors.New("manager: handle already released")
	ErrSplitTokens    = errors.New("manager: split must leave at least one token on each side")
	ErrForeignHandle  = errors.New("manager: handle belongs to another instance")

	ErrInvalidCfg  = errors.New("runtime: invalid options")
	ErrShutdown    = errors.New("runtime: shutting down")
	ErrUnknownPeer = errors.New("runtime: no address known for instance")

	ErrPoolExhausted = errors.New("dataplane: transient pool exhausted")
	ErrHandleFrame   = errors.New("dataplane: malformed handle frame")
)
