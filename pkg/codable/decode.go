package codable

import (
	"context"
	"fmt"

	"github.com/weftworks/weft/pkg/memblock"
)

// Puller fetches the payload behind a remote-buffer descriptor from
// its producing instance. The data plane implements it; decodes of
// purely local objects never need one.
type Puller interface {
	Pull(ctx context.Context, instance uint64, cookie memblock.Cookie, offset, length uint64, dst []byte) error
}

// DecoderConfig carries the collaborators a decoder may need.
type DecoderConfig struct {
	Puller Puller

	// Context bounds the pulls issued through the Puller. Protocol
	// decode functions reach it through Decoder.Context. Nil means
	// context.Background().
	Context context.Context
}

// Decoder walks an Object in the depth-first order the encoder wrote
// it. A payload cursor advances after each descriptor read; reading
// past the end fails with ErrShortRead.
type Decoder struct {
	obj *Object
	cfg DecoderConfig

	// ctxCursor is the next context in preorder.
	ctxCursor int
	// payloadIdx is the next descriptor.
	payloadIdx int

	stack []int
}

func NewDecoder(obj *Object, cfg DecoderConfig) *Decoder {
	return &Decoder{obj: obj, cfg: cfg}
}

// PayloadIndex is the cursor position, mostly useful in tests.
func (d *Decoder) PayloadIndex() int { return d.payloadIdx }

// Context is the context pulls run under.
func (d *Decoder) Context() context.Context {
	if d.cfg.Context != nil {
		return d.cfg.Context
	}
	return context.Background()
}

// EnterContext consumes the next context and checks its fingerprint
// against the one recorded at encode.
func (d *Decoder) EnterContext(fp Fingerprint) (int, error) {
	if d.ctxCursor >= len(d.obj.contexts) {
		return 0, fmt.Errorf("%w: no context left to enter", ErrShortRead)
	}
	c := d.obj.contexts[d.ctxCursor]
	if c.Fingerprint != fp {
		encoded := c.Fingerprint.String()
		if name, ok := RegisteredName(c.Fingerprint); ok {
			encoded = name
		}
		decoding := fp.String()
		if name, ok := RegisteredName(fp); ok {
			decoding = name
		}
		return 0, fmt.Errorf("%w: encoded %s, decoding %s", ErrTypeMismatch, encoded, decoding)
	}
	idx := d.ctxCursor
	d.ctxCursor++
	d.stack = append(d.stack, idx)
	return idx, nil
}

// LeaveContext closes the scope opened by the matching EnterContext.
func (d *Decoder) LeaveContext(handle int) {
	n := len(d.stack)
	if n == 0 || d.stack[n-1] != handle {
		panic(fmt.Sprintf("codable: LeaveContext(%d) does not match the innermost open context", handle))
	}
	d.stack = d.stack[:n-1]
}

func (d *Decoder) next() (Descriptor, error) {
	if d.payloadIdx >= len(d.obj.descriptors) {
		return Descriptor{}, fmt.Errorf("%w: descriptor %d of %d", ErrShortRead, d.payloadIdx, len(d.obj.descriptors))
	}
	desc := d.obj.descriptors[d.payloadIdx]
	d.payloadIdx++
	return desc, nil
}

// ReadEager consumes the next descriptor and returns its inline
// payload. The slice aliases the arena; callers that retain it past
// the object's lifetime must copy.
func (d *Decoder) ReadEager() ([]byte, error) {
	desc, err := d.next()
	if err != nil {
		return nil, err
	}
	if desc.Kind != KindEager && desc.Kind != KindLocal {
		return nil, fmt.Errorf("%w: %s descriptor has no inline payload", ErrDescriptorKind, desc.Kind)
	}
	return d.obj.arenaSlice(desc)
}

// ReadRemote consumes the next descriptor and materializes its
// payload into dst. Remote-buffer descriptors trigger a pull from the
// producing instance and block the calling task until the one-sided
// read completes; eager and local descriptors copy from the arena.
// Returns the payload length.
func (d *Decoder) ReadRemote(ctx context.Context, dst []byte) (int, error) {
	desc, err := d.next()
	if err != nil {
		return 0, err
	}
	switch desc.Kind {
	case KindEager, KindLocal:
		src, err := d.obj.arenaSlice(desc)
		if err != nil {
			return 0, err
		}
		if uint64(len(dst)) < desc.Length {
			return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortWrite, desc.Length, len(dst))
		}
		return copy(dst, src), nil
	case KindRemote:
		if uint64(len(dst)) < desc.Length {
			return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortWrite, desc.Length, len(dst))
		}
		if d.cfg.Puller == nil {
			return 0, ErrNoPuller
		}
		err := d.cfg.Puller.Pull(ctx, desc.Instance, desc.Cookie, desc.Offset, desc.Length, dst[:desc.Length])
		if err != nil {
			return 0, err
		}
		return int(desc.Length), nil
	default:
		return 0, fmt.Errorf("%w: %s descriptor carries no buffer", ErrDescriptorKind, desc.Kind)
	}
}

// ReadMeta consumes the next descriptor and unmarshals its metadata
// blob into out.
func (d *Decoder) ReadMeta(out any) error {
	desc, err := d.next()
	if err != nil {
		return err
	}
	if desc.Kind != KindMeta {
		return fmt.Errorf("%w: %s descriptor is not metadata", ErrDescriptorKind, desc.Kind)
	}
	if err := decMode.Unmarshal(desc.Meta, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// Decode reconstructs a value of type T from d's object. Like Encode
// it serves both top-level calls and nested members; the nested call
// is the rebind.
func Decode[T any](d *Decoder) (T, error) {
	var zero T
	ent, err := lookupValue[T]()
	if err != nil {
		return zero, err
	}
	handle, err := d.EnterContext(ent.fp)
	if err != nil {
		return zero, err
	}
	v, err := ent.decode(d)
	if err != nil {
		return zero, err
	}
	d.LeaveContext(handle)
	return v.(T), nil
}

// DecodeValue is the top-level convenience for objects that need no
// puller.
func DecodeValue[T any](obj *Object) (T, error) {
	return Decode[T](NewDecoder(obj, DecoderConfig{}))
}
