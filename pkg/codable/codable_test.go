package codable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weftworks/weft/pkg/memblock"
)

// fakeRegistrar stands in for a fabric worker.
type fakeRegistrar struct {
	mu         sync.Mutex
	next       uint64
	live       map[string]memblock.View
	registered int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{live: make(map[string]memblock.View)}
}

func (f *fakeRegistrar) RegisterMemory(view memblock.View) (memblock.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.registered++
	cookie := make(memblock.Cookie, 8)
	binary.BigEndian.PutUint64(cookie, f.next)
	f.live[string(cookie)] = view
	return cookie, nil
}

func (f *fakeRegistrar) DeregisterMemory(cookie memblock.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[string(cookie)]; !ok {
		return fmt.Errorf("unknown cookie")
	}
	delete(f.live, string(cookie))
	return nil
}

func (f *fakeRegistrar) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// pair is the canonical test type: a scalar and a buffer.
type pair struct {
	Num  uint32
	Blob []byte
}

// outer nests a pair to exercise rebinding.
type outer struct {
	Label string
	Inner pair
}

// leaky pushes a context it never pops.
type leaky struct {
	Blob []byte
}

// tagged exercises metadata descriptors.
type tagged struct {
	Meta map[string]string
	Body []byte
}

var (
	fpPair   Fingerprint
	fpOuter  Fingerprint
	fpLeaky  Fingerprint
	fpTagged Fingerprint
)

func init() {
	fpPair = Register("test.pair", 1,
		func(e *Encoder, p pair) error {
			var num [4]byte
			binary.BigEndian.PutUint32(num[:], p.Num)
			e.WriteEager(num[:])
			_, err := e.WriteView(memblock.HostView(p.Blob))
			return err
		},
		func(d *Decoder) (pair, error) {
			var p pair
			num, err := d.ReadEager()
			if err != nil {
				return p, err
			}
			p.Num = binary.BigEndian.Uint32(num)
			blob, err := d.ReadEager()
			if err != nil {
				return p, err
			}
			p.Blob = append([]byte(nil), blob...)
			return p, nil
		},
	)

	fpOuter = Register("test.outer", 1,
		func(e *Encoder, o outer) error {
			e.WriteEager([]byte(o.Label))
			return Encode(e, o.Inner)
		},
		func(d *Decoder) (outer, error) {
			var o outer
			label, err := d.ReadEager()
			if err != nil {
				return o, err
			}
			o.Label = string(label)
			o.Inner, err = Decode[pair](d)
			return o, err
		},
	)

	fpLeaky = Register("test.leaky", 1,
		func(e *Encoder, l leaky) error {
			if _, err := e.WriteRemote(memblock.HostView(l.Blob), false); err != nil {
				return err
			}
			e.PushContext(FingerprintOf("test.leaky.inner", 1))
			return nil
		},
		func(d *Decoder) (leaky, error) {
			return leaky{}, nil
		},
	)

	fpTagged = Register("test.tagged", 1,
		func(e *Encoder, v tagged) error {
			if _, err := e.WriteMeta(v.Meta); err != nil {
				return err
			}
			e.WriteEager(v.Body)
			return nil
		},
		func(d *Decoder) (tagged, error) {
			var v tagged
			if err := d.ReadMeta(&v.Meta); err != nil {
				return v, err
			}
			body, err := d.ReadEager()
			if err != nil {
				return v, err
			}
			v.Body = append([]byte(nil), body...)
			return v, nil
		},
	)
}

func TestEagerRoundTrip(t *testing.T) {
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 16}
	obj, err := EncodeValue(pair{Num: 7, Blob: []byte("hello")}, nil, cfg, EncodingOptions{})
	require.NoError(t, err)

	require.Equal(t, 1, obj.ContextCount())
	require.Equal(t, 2, obj.DescriptorCount())
	for i := 0; i < obj.DescriptorCount(); i++ {
		desc, err := obj.DescriptorAt(i)
		require.NoError(t, err)
		require.Equal(t, KindEager, desc.Kind)
	}

	fp, err := obj.FingerprintAt(0)
	require.NoError(t, err)
	require.Equal(t, fpPair, fp)

	got, err := DecodeValue[pair](obj)
	require.NoError(t, err)
	require.Equal(t, uint32(7), got.Num)
	require.Equal(t, []byte("hello"), got.Blob)
}

func TestRedecodeIsStable(t *testing.T) {
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 64}
	obj, err := EncodeValue(pair{Num: 3, Blob: []byte("again")}, nil, cfg, EncodingOptions{})
	require.NoError(t, err)

	first, err := DecodeValue[pair](obj)
	require.NoError(t, err)
	second, err := DecodeValue[pair](obj)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestThresholdBoundary(t *testing.T) {
	registrar := newFakeRegistrar()
	provider := memblock.NewProvider(registrar)
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 32}

	t.Run("at threshold stays eager", func(t *testing.T) {
		obj, err := EncodeValue(pair{Num: 1, Blob: make([]byte, 32)}, provider, cfg, EncodingOptions{})
		require.NoError(t, err)
		desc, err := obj.DescriptorAt(1)
		require.NoError(t, err)
		require.Equal(t, KindEager, desc.Kind)
		require.Zero(t, registrar.registered)
	})

	t.Run("one past threshold goes remote", func(t *testing.T) {
		obj, err := EncodeValue(pair{Num: 1, Blob: make([]byte, 33)}, provider, cfg, EncodingOptions{})
		require.NoError(t, err)
		desc, err := obj.DescriptorAt(1)
		require.NoError(t, err)
		require.Equal(t, KindRemote, desc.Kind)
		require.Equal(t, uint64(33), desc.Length)
		require.Equal(t, uint64(1), desc.Instance)
		require.Len(t, obj.Bindings(), 1)
		require.NoError(t, obj.ReleaseBindings(provider))
	})
}

func TestForceRegister(t *testing.T) {
	registrar := newFakeRegistrar()
	provider := memblock.NewProvider(registrar)
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 1024}

	obj, err := EncodeValue(pair{Num: 1, Blob: []byte("tiny")}, provider, cfg, EncodingOptions{ForceRegister: true})
	require.NoError(t, err)
	desc, err := obj.DescriptorAt(1)
	require.NoError(t, err)
	require.Equal(t, KindRemote, desc.Kind)
	require.Equal(t, 1, registrar.registered)
	require.NoError(t, obj.ReleaseBindings(provider))
	require.Zero(t, registrar.liveCount())
}

func TestUnbalancedContext(t *testing.T) {
	registrar := newFakeRegistrar()
	provider := memblock.NewProvider(registrar)
	cfg := EncoderConfig{Instance: 1}

	_, err := EncodeValue(leaky{Blob: make([]byte, 2048)}, provider, cfg, EncodingOptions{})
	require.ErrorIs(t, err, ErrUnbalancedContext)
	// The partial encoding is discarded and nothing stays registered.
	require.Zero(t, registrar.liveCount())
	require.Zero(t, provider.Size())
}

func TestTypeMismatch(t *testing.T) {
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 64}
	obj, err := EncodeValue(pair{Num: 2, Blob: []byte("x")}, nil, cfg, EncodingOptions{})
	require.NoError(t, err)

	_, err = DecodeValue[tagged](obj)
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestUnknownType(t *testing.T) {
	type unregistered struct{ X int }
	_, err := EncodeValue(unregistered{X: 1}, nil, EncoderConfig{Instance: 1}, EncodingOptions{})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestShortRead(t *testing.T) {
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 64}
	obj, err := EncodeValue(pair{Num: 9, Blob: []byte("end")}, nil, cfg, EncodingOptions{})
	require.NoError(t, err)

	dec := NewDecoder(obj, DecoderConfig{})
	_, err = dec.EnterContext(fpPair)
	require.NoError(t, err)
	_, err = dec.ReadEager()
	require.NoError(t, err)
	_, err = dec.ReadEager()
	require.NoError(t, err)
	_, err = dec.ReadEager()
	require.ErrorIs(t, err, ErrShortRead)
}

func TestNestedRebind(t *testing.T) {
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 64}
	want := outer{Label: "wrapper", Inner: pair{Num: 42, Blob: []byte("nested")}}
	obj, err := EncodeValue(want, nil, cfg, EncodingOptions{})
	require.NoError(t, err)

	require.Equal(t, 2, obj.ContextCount())
	require.Equal(t, 3, obj.DescriptorCount())

	rootFp, err := obj.FingerprintAt(0)
	require.NoError(t, err)
	require.Equal(t, fpOuter, rootFp)
	innerFp, err := obj.FingerprintAt(1)
	require.NoError(t, err)
	require.Equal(t, fpPair, innerFp)

	parent, ok := obj.ParentAt(1)
	require.True(t, ok)
	require.Equal(t, 0, parent)
	_, ok = obj.ParentAt(0)
	require.False(t, ok)

	start, end, err := obj.SpanAt(0)
	require.NoError(t, err)
	require.Equal(t, 0, start)
	require.Equal(t, 3, end)
	start, end, err = obj.SpanAt(1)
	require.NoError(t, err)
	require.Equal(t, 1, start)
	require.Equal(t, 3, end)

	got, err := DecodeValue[outer](obj)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestMetaRoundTrip(t *testing.T) {
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 64}
	want := tagged{
		Meta: map[string]string{"shard": "7", "schema": "v2"},
		Body: []byte{1, 2, 3},
	}
	obj, err := EncodeValue(want, nil, cfg, EncodingOptions{})
	require.NoError(t, err)

	desc, err := obj.DescriptorAt(0)
	require.NoError(t, err)
	require.Equal(t, KindMeta, desc.Kind)

	got, err := DecodeValue[tagged](obj)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestWireRoundTrip(t *testing.T) {
	cfg := EncoderConfig{Instance: 1, EagerThreshold: 64}
	want := outer{Label: "wire", Inner: pair{Num: 5, Blob: []byte("bytes")}}
	obj, err := EncodeValue(want, nil, cfg, EncodingOptions{})
	require.NoError(t, err)

	first, err := obj.MarshalBinary()
	require.NoError(t, err)
	second, err := obj.MarshalBinary()
	require.NoError(t, err)
	require.True(t, bytes.Equal(first, second), "wire encoding must be deterministic")

	restored := new(Object)
	require.NoError(t, restored.UnmarshalBinary(first))
	require.True(t, restored.Sealed())
	require.Equal(t, obj.ContextCount(), restored.ContextCount())
	require.Equal(t, obj.DescriptorCount(), restored.DescriptorCount())

	got, err := DecodeValue[outer](restored)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestValidateRejectsMalformed(t *testing.T) {
	t.Run("parent not below child", func(t *testing.T) {
		obj := &Object{
			contexts: []Context{{Fingerprint: fpPair, Parent: 0, Start: 0, End: 0}},
		}
		require.ErrorIs(t, obj.Validate(), ErrMalformed)
	})

	t.Run("span out of range", func(t *testing.T) {
		obj := &Object{
			descriptors: []Descriptor{{Kind: KindEager}},
			contexts:    []Context{{Fingerprint: fpPair, Parent: -1, Start: 0, End: 2}},
		}
		require.ErrorIs(t, obj.Validate(), ErrMalformed)
	})

	t.Run("child escapes parent", func(t *testing.T) {
		obj := &Object{
			descriptors: []Descriptor{{Kind: KindEager}, {Kind: KindEager}},
			contexts: []Context{
				{Fingerprint: fpOuter, Parent: -1, Start: 0, End: 1},
				{Fingerprint: fpPair, Parent: 0, Start: 0, End: 2},
			},
		}
		require.ErrorIs(t, obj.Validate(), ErrMalformed)
	})

	t.Run("roots do not cover the sequence", func(t *testing.T) {
		obj := &Object{
			descriptors: []Descriptor{{Kind: KindEager}, {Kind: KindEager}},
			contexts:    []Context{{Fingerprint: fpPair, Parent: -1, Start: 0, End: 1}},
		}
		require.ErrorIs(t, obj.Validate(), ErrMalformed)
	})
}

func TestFingerprintStability(t *testing.T) {
	require.Equal(t, FingerprintOf("test.pair", 1), FingerprintOf("test.pair", 1))
	require.NotEqual(t, FingerprintOf("test.pair", 1), FingerprintOf("test.pair", 2))
	require.NotEqual(t, FingerprintOf("test.pair", 1), FingerprintOf("test.outer", 1))
}

func TestPopContextOutOfOrderPanics(t *testing.T) {
	enc := NewEncoder(NewObject(), nil, EncoderConfig{})
	a := enc.PushContext(fpPair)
	_ = enc.PushContext(fpOuter)
	require.Panics(t, func() { enc.PopContext(a) })
}
