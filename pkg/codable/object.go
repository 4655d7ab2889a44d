// Package codable turns typed values into relocatable encodings and
// back.
//
// An encoding is an Object: an ordered list of descriptors (inline
// bytes, references into fabric-registered memory, structured
// metadata, or locally owned buffers), a list of typed contexts
// mirroring the nesting of the original value, and a byte arena
// backing the inline descriptors. Per-type protocols registered with
// Register drive Encode and Decode; the Encoder and Decoder expose
// the narrow capability set protocols are written against.
package codable

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/weftworks/weft/pkg/memblock"
)

// DescriptorKind discriminates the descriptor variants.
type DescriptorKind uint8

const (
	// KindEager holds payload bytes inline in the arena.
	KindEager DescriptorKind = iota + 1
	// KindRemote references fabric-registered memory at the producer.
	KindRemote
	// KindMeta holds a structured metadata blob.
	KindMeta
	// KindLocal holds bytes owned by the encoded object itself.
	KindLocal
)

func (k DescriptorKind) String() string {
	switch k {
	case KindEager:
		return "eager"
	case KindRemote:
		return "remote"
	case KindMeta:
		return "meta"
	case KindLocal:
		return "local"
	}
	return "unknown"
}

// Descriptor is the atomic unit of an encoding. Offset and Length
// point into the arena for eager/local descriptors and into the
// registered region for remote ones.
type Descriptor struct {
	Kind     DescriptorKind      `cbor:"k"`
	Offset   uint64              `cbor:"o,omitempty"`
	Length   uint64              `cbor:"l,omitempty"`
	Instance uint64              `cbor:"i,omitempty"`
	Cookie   []byte              `cbor:"c,omitempty"`
	Memory   memblock.MemoryKind `cbor:"m,omitempty"`
	Meta     cbor.RawMessage     `cbor:"b,omitempty"`
}

// Context is a typed scope inside an encoding. Start and End delimit
// the descriptors written while the context was innermost or below;
// a child context's span nests inside its parent's.
type Context struct {
	Fingerprint Fingerprint `cbor:"f"`
	Parent      int32       `cbor:"p"`
	Start       uint32      `cbor:"s"`
	End         uint32      `cbor:"e"`
}

// Object is the complete encoding of one value. Append-only during
// encode, immutable once sealed.
type Object struct {
	descriptors []Descriptor
	contexts    []Context
	arena       []byte

	// stack of open context indices, encode-time only.
	stack []int

	// bindings pin the registrations remote descriptors point into;
	// they must outlive the stored object.
	bindings []memblock.Binding

	sealed bool
}

func NewObject() *Object {
	return &Object{}
}

func (o *Object) DescriptorCount() int { return len(o.descriptors) }
func (o *Object) ContextCount() int    { return len(o.contexts) }
func (o *Object) Sealed() bool         { return o.sealed }

// DescriptorAt returns the descriptor at idx.
func (o *Object) DescriptorAt(idx int) (Descriptor, error) {
	if idx < 0 || idx >= len(o.descriptors) {
		return Descriptor{}, fmt.Errorf("%w: descriptor %d of %d", ErrShortRead, idx, len(o.descriptors))
	}
	return o.descriptors[idx], nil
}

// FingerprintAt returns the type fingerprint of the context at idx.
func (o *Object) FingerprintAt(idx int) (Fingerprint, error) {
	if idx < 0 || idx >= len(o.contexts) {
		return 0, fmt.Errorf("%w: context %d of %d", ErrShortRead, idx, len(o.contexts))
	}
	return o.contexts[idx].Fingerprint, nil
}

// ParentAt returns the parent context index of the context at idx.
// Roots (and out-of-range indices) report ok == false.
func (o *Object) ParentAt(idx int) (int, bool) {
	if idx < 0 || idx >= len(o.contexts) {
		return -1, false
	}
	if p := o.contexts[idx].Parent; p >= 0 {
		return int(p), true
	}
	return -1, false
}

// SpanAt returns the [start, end) descriptor range of the context at
// idx.
func (o *Object) SpanAt(idx int) (int, int, error) {
	if idx < 0 || idx >= len(o.contexts) {
		return 0, 0, fmt.Errorf("%w: context %d of %d", ErrShortRead, idx, len(o.contexts))
	}
	return int(o.contexts[idx].Start), int(o.contexts[idx].End), nil
}

// Bindings exposes the registrations the object pins. The manager
// releases them when the stored object is erased.
func (o *Object) Bindings() []memblock.Binding {
	return o.bindings
}

// ReleaseBindings returns every pinned registration to the provider.
// Safe to call on objects without bindings.
func (o *Object) ReleaseBindings(provider *memblock.Provider) error {
	var firstErr error
	for _, b := range o.bindings {
		if err := provider.Release(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.bindings = nil
	return firstErr
}

// Seal validates the structural invariants and freezes the object.
func (o *Object) Seal() error {
	if o.sealed {
		return nil
	}
	if len(o.stack) != 0 {
		return ErrUnbalancedContext
	}
	if err := o.Validate(); err != nil {
		return err
	}
	o.sealed = true
	return nil
}

// Validate checks the context forest: dense indices, parents strictly
// below children, child spans nested in parent spans, sibling spans
// disjoint, root spans covering the descriptor sequence exactly.
func (o *Object) Validate() error {
	n := uint32(len(o.descriptors))
	cursorAt := make([]uint32, len(o.contexts))
	for i, c := range o.contexts {
		if c.Parent >= int32(i) {
			return fmt.Errorf("%w: context %d has parent %d", ErrMalformed, i, c.Parent)
		}
		if c.Start > c.End || c.End > n {
			return fmt.Errorf("%w: context %d span [%d, %d) of %d", ErrMalformed, i, c.Start, c.End, n)
		}
		if c.Parent < 0 {
			continue
		}
		p := o.contexts[c.Parent]
		if c.Start < p.Start || c.End > p.End {
			return fmt.Errorf("%w: context %d escapes parent %d", ErrMalformed, i, c.Parent)
		}
		// Sibling spans must not overlap: each child starts at or
		// after the previous sibling's end.
		if c.Start < cursorAt[c.Parent] {
			return fmt.Errorf("%w: context %d overlaps a sibling", ErrMalformed, i)
		}
		cursorAt[c.Parent] = c.End
	}

	// Root spans partition [0, n).
	var cursor uint32
	for i, c := range o.contexts {
		if c.Parent >= 0 {
			continue
		}
		if c.Start != cursor {
			return fmt.Errorf("%w: root context %d starts at %d, want %d", ErrMalformed, i, c.Start, cursor)
		}
		cursor = c.End
	}
	if len(o.contexts) > 0 && cursor != n {
		return fmt.Errorf("%w: %d of %d descriptors covered by root contexts", ErrMalformed, cursor, n)
	}
	return nil
}

// arenaSlice resolves an eager/local descriptor's payload.
func (o *Object) arenaSlice(d Descriptor) ([]byte, error) {
	end := d.Offset + d.Length
	if end > uint64(len(o.arena)) {
		return nil, fmt.Errorf("%w: arena span [%d, %d) of %d", ErrMalformed, d.Offset, end, len(o.arena))
	}
	return o.arena[d.Offset:end], nil
}
