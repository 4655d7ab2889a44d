package codable

import (
	"fmt"
	"reflect"
	"sync"
)

// EncodeFunc serializes a value of type T through the encoder's
// capability set.
type EncodeFunc[T any] func(*Encoder, T) error

// DecodeFunc reconstructs a value of type T from the decoder.
type DecodeFunc[T any] func(*Decoder) (T, error)

type protocolEntry struct {
	name    string
	version uint32
	fp      Fingerprint
	typ     reflect.Type
	encode  func(*Encoder, any) error
	decode  func(*Decoder) (any, error)
}

var (
	registryMu    sync.RWMutex
	byType        = make(map[reflect.Type]*protocolEntry)
	byFingerprint = make(map[Fingerprint]*protocolEntry)
)

// Register binds type T to a wire name, a layout version, and an
// encode/decode pair. The fingerprint derives from (name, version)
// only, so peers agree on it without sharing a binary. Re-registering
// a type replaces the previous protocol.
func Register[T any](name string, version uint32, enc EncodeFunc[T], dec DecodeFunc[T]) Fingerprint {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	fp := FingerprintOf(name, version)
	entry := &protocolEntry{
		name:    name,
		version: version,
		fp:      fp,
		typ:     typ,
		encode: func(e *Encoder, v any) error {
			return enc(e, v.(T))
		},
		decode: func(d *Decoder) (any, error) {
			return dec(d)
		},
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if old, ok := byType[typ]; ok {
		delete(byFingerprint, old.fp)
	}
	byType[typ] = entry
	byFingerprint[fp] = entry
	return fp
}

// FingerprintFor reports the fingerprint registered for type T.
func FingerprintFor[T any]() (Fingerprint, error) {
	ent, err := lookupValue[T]()
	if err != nil {
		return 0, err
	}
	return ent.fp, nil
}

// RegisteredName reports the wire name behind a fingerprint, for
// diagnostics.
func RegisteredName(fp Fingerprint) (string, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if ent, ok := byFingerprint[fp]; ok {
		return ent.name, true
	}
	return "", false
}

func lookupValue[T any]() (*protocolEntry, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	registryMu.RLock()
	ent, ok := byType[typ]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return ent, nil
}
