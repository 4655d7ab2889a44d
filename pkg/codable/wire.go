package codable

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): same logical encoding always produces
// identical bytes, so transmitted objects can be compared and hashed.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for
// forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codable: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codable: CBOR decoder initialization failed: " + err.Error())
	}
}

// objectWire is the transmitted form of an Object. Field tags are
// stable; registration bindings never travel.
type objectWire struct {
	Descriptors []Descriptor `cbor:"d"`
	Contexts    []Context    `cbor:"c"`
	Arena       []byte       `cbor:"a"`
}

// MarshalBinary serializes a sealed object for transmission.
func (o *Object) MarshalBinary() ([]byte, error) {
	if !o.sealed {
		return nil, fmt.Errorf("%w: marshal of unsealed object", ErrMalformed)
	}
	return encMode.Marshal(objectWire{
		Descriptors: o.descriptors,
		Contexts:    o.contexts,
		Arena:       o.arena,
	})
}

// UnmarshalBinary reconstructs a received object. The result is
// validated and sealed: a consumer-side object is read-only and owns
// no registrations.
func (o *Object) UnmarshalBinary(data []byte) error {
	var w objectWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	restored := Object{
		descriptors: w.Descriptors,
		contexts:    w.Contexts,
		arena:       w.Arena,
	}
	if err := restored.Validate(); err != nil {
		return err
	}
	restored.sealed = true
	*o = restored
	return nil
}
