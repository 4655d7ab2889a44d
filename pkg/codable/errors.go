package codable

import "errors"

var (
	ErrUnknownType       = errors.New("codable: no protocol registered for type")
	ErrTypeMismatch      = errors.New("codable: context fingerprint mismatch")
	ErrUnbalancedContext = errors.New("codable: context pushed without matching pop")
	ErrShortRead         = errors.New("codable: descriptor cursor past end of encoding")
	ErrShortWrite        = errors.New("codable: destination smaller than descriptor payload")
	ErrSealed            = errors.New("codable: encoded object is immutable")
	ErrDescriptorKind    = errors.New("codable: unexpected descriptor kind")
	ErrNoPuller          = errors.New("codable: no puller configured for remote descriptors")
	ErrNoProvider        = errors.New("codable: no block provider bound to encoder")
	ErrMalformed         = errors.New("codable: malformed encoded object")
)
