package codable

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint identifies a registered type on the wire. It is derived
// from the registered (name, layout version) pair, never from runtime
// type identity, so it is stable across processes and builds.
type Fingerprint uint64

// FingerprintOf hashes a type name and layout version into a
// Fingerprint. Bump the version whenever the encoded layout of the
// type changes.
func FingerprintOf(name string, version uint32) Fingerprint {
	h := blake3.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	h.Write(v[:])
	sum := h.Sum(nil)
	return Fingerprint(binary.BigEndian.Uint64(sum[:8]))
}

func (fp Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(fp))
}
