// Package weft is the remote-object subsystem of a distributed
// dataflow runtime: typed in-process values become relocatable
// encodings, get registered in a local table with reference-counted
// ownership, are referenced by peers across a zero-copy fabric, and
// are reclaimed once every remote borrow has been released.
//
// # How it works
//
// A value is serialized by a per-type protocol (see
// [github.com/weftworks/weft/pkg/codable]) into an encoded object:
// small payloads travel inline, large ones stay in place and are
// published as fabric-registered memory a peer can read one-sidedly.
// Publishing the encoded object with the [Manager] stores it under a
// fresh object id with an initial token count and mints a [Handle].
//
// Handles move between instances as 24-byte values (plus the encoded
// object's wire form). The consumer decodes either from the inline
// bytes or by pulling registered memory through the [DataPlane].
// Dropping a handle sends a decrement active message back to the
// producer; when the token count reaches zero the stored object is
// erased and its memory registrations released.
//
// # Threading domains
//
// There are exactly two. The progress goroutine loops on the fabric
// worker and runs every completion callback and active-message
// handler; it never takes application locks. Everything else —
// encode, decode, publish, lookup, and the decrement handler — runs
// on application goroutines. Active messages are never processed
// inline on the progress goroutine: they are forwarded over a bounded
// channel to the manager's decrement handler.
//
// # Fabric
//
// The subsystem is written against the capability set in
// [github.com/weftworks/weft/pkg/fabric]: tagged send/receive,
// one-sided gets against registered regions, and active messages.
// Two implementations ship with the module: an in-process loopback
// grid and a QUIC-backed grid.
package weft
