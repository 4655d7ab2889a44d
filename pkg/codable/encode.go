package codable

import (
	"fmt"

	"github.com/weftworks/weft/pkg/memblock"
)

// DefaultEagerThreshold is the inline-vs-remote cutoff applied when
// the encoder config leaves it zero.
const DefaultEagerThreshold = 1 << 10

// EncodingOptions tune a single encode call.
type EncodingOptions struct {
	// ForceRegister bypasses the eager threshold and always records a
	// remote-buffer descriptor backed by a fresh registration. The
	// producer must keep the memory alive for the stored object's
	// lifetime.
	ForceRegister bool
}

// EncoderConfig carries the process-wide knobs of an encoder.
type EncoderConfig struct {
	// Instance is the producing runtime's instance id, recorded in
	// every remote-buffer descriptor.
	Instance uint64

	// EagerThreshold is the largest buffer still copied inline.
	// Zero means DefaultEagerThreshold.
	EagerThreshold uint64
}

func (c EncoderConfig) threshold() uint64 {
	if c.EagerThreshold == 0 {
		return DefaultEagerThreshold
	}
	return c.EagerThreshold
}

// Encoder appends descriptors to an Object on behalf of a per-type
// protocol. It never suspends; every method returns immediately.
type Encoder struct {
	obj      *Object
	provider *memblock.Provider
	cfg      EncoderConfig
	opts     EncodingOptions
}

// NewEncoder binds an encoder to obj. provider may be nil for
// encodings that never record remote-buffer descriptors.
func NewEncoder(obj *Object, provider *memblock.Provider, cfg EncoderConfig) *Encoder {
	return &Encoder{obj: obj, provider: provider, cfg: cfg}
}

func (e *Encoder) Object() *Object { return e.obj }

// PushContext opens a typed scope. Every descriptor written until the
// matching PopContext is attributed to it (and to its ancestors).
func (e *Encoder) PushContext(fp Fingerprint) int {
	idx := len(e.obj.contexts)
	parent := int32(-1)
	if n := len(e.obj.stack); n > 0 {
		parent = int32(e.obj.stack[n-1])
	}
	e.obj.contexts = append(e.obj.contexts, Context{
		Fingerprint: fp,
		Parent:      parent,
		Start:       uint32(len(e.obj.descriptors)),
	})
	e.obj.stack = append(e.obj.stack, idx)
	return idx
}

// PopContext closes the scope opened by the matching PushContext.
// Popping anything but the most recent open context is a programmer
// error.
func (e *Encoder) PopContext(handle int) {
	n := len(e.obj.stack)
	if n == 0 || e.obj.stack[n-1] != handle {
		panic(fmt.Sprintf("codable: PopContext(%d) does not match the innermost open context", handle))
	}
	e.obj.contexts[handle].End = uint32(len(e.obj.descriptors))
	e.obj.stack = e.obj.stack[:n-1]
}

// balanced reports whether handle is the innermost open context.
func (e *Encoder) balanced(handle int) bool {
	n := len(e.obj.stack)
	return n > 0 && e.obj.stack[n-1] == handle
}

// WriteEager copies b into the arena and records an eager descriptor.
func (e *Encoder) WriteEager(b []byte) int {
	off := uint64(len(e.obj.arena))
	e.obj.arena = append(e.obj.arena, b...)
	return e.appendDescriptor(Descriptor{
		Kind:   KindEager,
		Offset: off,
		Length: uint64(len(b)),
	})
}

// WriteRemote registers view (or reuses an enclosing registration
// when force is false) and records a remote-buffer descriptor. The
// payload stays at the producer until pulled.
func (e *Encoder) WriteRemote(view memblock.View, force bool) (int, error) {
	if e.provider == nil {
		return 0, ErrNoProvider
	}
	binding, err := e.provider.Register(view, force)
	if err != nil {
		return 0, err
	}
	e.obj.bindings = append(e.obj.bindings, binding)
	return e.appendDescriptor(Descriptor{
		Kind:     KindRemote,
		Offset:   binding.Offset(),
		Length:   view.Len(),
		Instance: e.cfg.Instance,
		Cookie:   binding.Cookie(),
		Memory:   view.Kind(),
	}), nil
}

// WriteView applies the threshold policy: a view no longer than the
// eager threshold is copied inline, anything larger (or any view
// under ForceRegister) becomes a remote-buffer descriptor.
func (e *Encoder) WriteView(view memblock.View) (int, error) {
	if !e.opts.ForceRegister && view.Len() <= e.cfg.threshold() {
		return e.WriteEager(view.Bytes()), nil
	}
	return e.WriteRemote(view, e.opts.ForceRegister)
}

// WriteMeta serializes v as a structured metadata descriptor.
func (e *Encoder) WriteMeta(v any) (int, error) {
	blob, err := encMode.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return e.appendDescriptor(Descriptor{Kind: KindMeta, Meta: blob}), nil
}

// WriteLocal reserves n owned bytes in the arena and records a
// local-buffer descriptor. The returned slice is valid until the next
// write; fill it before issuing one.
func (e *Encoder) WriteLocal(n uint64) (int, []byte) {
	off := uint64(len(e.obj.arena))
	e.obj.arena = append(e.obj.arena, make([]byte, n)...)
	idx := e.appendDescriptor(Descriptor{
		Kind:   KindLocal,
		Offset: off,
		Length: n,
	})
	return idx, e.obj.arena[off : off+n]
}

func (e *Encoder) appendDescriptor(d Descriptor) int {
	idx := len(e.obj.descriptors)
	e.obj.descriptors = append(e.obj.descriptors, d)
	return idx
}

// Encode serializes v into e's object under a fresh context. Use it
// both at the top level and from inside protocols for nested
// heterogeneous members; the nested call is the rebind.
func Encode[T any](e *Encoder, v T) error {
	if e.obj.sealed {
		return ErrSealed
	}
	ent, err := lookupValue[T]()
	if err != nil {
		return err
	}
	handle := e.PushContext(ent.fp)
	if err := ent.encode(e, v); err != nil {
		return err
	}
	if !e.balanced(handle) {
		return ErrUnbalancedContext
	}
	e.PopContext(handle)
	return nil
}

// EncodeValue is the top-level entry: it builds, seals, and returns
// the complete encoding of v. On any failure the partial encoding is
// discarded and its registrations are released.
func EncodeValue[T any](v T, provider *memblock.Provider, cfg EncoderConfig, opts EncodingOptions) (*Object, error) {
	obj := NewObject()
	enc := NewEncoder(obj, provider, cfg)
	enc.opts = opts

	if err := Encode(enc, v); err != nil {
		if provider != nil {
			_ = obj.ReleaseBindings(provider)
		}
		return nil, err
	}
	if err := obj.Seal(); err != nil {
		if provider != nil {
			_ = obj.ReleaseBindings(provider)
		}
		return nil, err
	}
	return obj, nil
}
