package weft

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// HandleWireSize is the length of a handle on the wire.
const HandleWireSize = 24

// Handle is a transferable reference to a stored encoded object. It
// holds tokens against the producing instance; releasing it returns
// exactly that many. A handle is released at most once and is not
// safe for concurrent use.
type Handle struct {
	instance uint64
	object   uint64
	tokens   uint64

	released atomic.Bool
}

func newHandle(instance, object, tokens uint64) *Handle {
	return &Handle{instance: instance, object: object, tokens: tokens}
}

// Instance is the producing runtime the handle's tokens count
// against.
func (h *Handle) Instance() uint64 { return h.instance }

// Object is the id of the stored object at the producing instance.
func (h *Handle) Object() uint64 { return h.object }

// Tokens is how many tokens this handle still holds.
func (h *Handle) Tokens() uint64 { return h.tokens }

// Released reports whether the handle has been released.
func (h *Handle) Released() bool { return h.released.Load() }

// Split carves n tokens out of h into a new handle, so one published
// object can fan out to several consumers. Both sides must keep at
// least one token.
func (h *Handle) Split(n uint64) (*Handle, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	if n == 0 || n >= h.tokens {
		return nil, fmt.Errorf("%w: split %d of %d", ErrSplitTokens, n, h.tokens)
	}
	h.tokens -= n
	return newHandle(h.instance, h.object, n), nil
}

// EncodeHandle lays the handle out as 24 big-endian bytes:
// (instance-id, object-id, tokens-held).
func EncodeHandle(h *Handle) []byte {
	buf := make([]byte, HandleWireSize)
	binary.BigEndian.PutUint64(buf[0:8], h.instance)
	binary.BigEndian.PutUint64(buf[8:16], h.object)
	binary.BigEndian.PutUint64(buf[16:24], h.tokens)
	return buf
}

// DecodeHandle parses a received handle. A handle that holds no
// tokens cannot exist on the wire.
func DecodeHandle(buf []byte) (*Handle, error) {
	if len(buf) != HandleWireSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHandleFrame, len(buf))
	}
	h := newHandle(
		binary.BigEndian.Uint64(buf[0:8]),
		binary.BigEndian.Uint64(buf[8:16]),
		binary.BigEndian.Uint64(buf[16:24]),
	)
	if h.instance == 0 || h.tokens == 0 {
		return nil, fmt.Errorf("%w: instance %d, tokens %d", ErrHandleFrame, h.instance, h.tokens)
	}
	return h, nil
}
