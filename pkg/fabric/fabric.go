// Package fabric defines the transport capability set the runtime is
// built against. The runtime never talks to a concrete transport: it
// is handed a Worker at initialization and only ever uses what is
// declared here. Two implementations ship with the module, an
// in-process one (loopback) and a QUIC-backed one (quicgrid).
package fabric

import (
	"errors"

	"github.com/weftworks/weft/pkg/memblock"
)

var (
	ErrFabric    = errors.New("fabric: transport failure")
	ErrCancelled = errors.New("fabric: request cancelled")
	ErrPeerGone  = errors.New("fabric: peer is gone")
	ErrShortBuf  = errors.New("fabric: destination buffer too small")
	ErrClosed    = errors.New("fabric: worker closed")
)

// ActiveMessageHandler runs on the worker's progress goroutine. It
// must not block, allocate heavily, or take application locks: flip
// state, hand the payload off, return. The payload is only valid for
// the duration of the call.
type ActiveMessageHandler func(payload []byte, reply Endpoint)

// Endpoint is a connection to one peer worker.
type Endpoint interface {
	// PeerAddress is the remote worker's address string.
	PeerAddress() string
}

// Worker is one progress context of the fabric. All completion
// callbacks and active-message handlers fire from inside Progress, so
// whoever loops on Progress owns the "progress thread" domain.
//
// Progress must be safe to call from multiple goroutines; work items
// are executed by exactly one caller.
type Worker interface {
	memblock.Registrar

	// Address uniquely identifies this worker on the grid. Peers use
	// it with CreateEndpoint.
	Address() string

	// CreateEndpoint connects to the worker listening at addr.
	CreateEndpoint(addr string) (Endpoint, error)

	// SendAsync posts a tagged send of buf to ep. The returned request
	// completes once the bytes are handed to the peer.
	SendAsync(ep Endpoint, buf []byte, tag uint64) (*Request, error)

	// ReceiveAsync posts a tagged receive into buf. An inbound message
	// matches when inboundTag&mask == tag&mask. The request completes
	// with the received length.
	ReceiveAsync(buf []byte, tag, mask uint64) (*Request, error)

	// Get performs a one-sided read of len(dst) bytes from the region
	// registered under cookie at ep's worker, starting at offset.
	Get(ep Endpoint, cookie memblock.Cookie, offset uint64, dst []byte) (*Request, error)

	// SendActive delivers a short control message dispatched by id at
	// the peer. Active messages to one peer are delivered FIFO.
	SendActive(ep Endpoint, id uint32, payload []byte) (*Request, error)

	// RegisterActiveMessage installs the handler for id.
	RegisterActiveMessage(id uint32, handler ActiveMessageHandler)

	// DetachActiveMessage removes the handler for id. On return no
	// invocation of the handler is running or will start.
	DetachActiveMessage(id uint32)

	// Progress advances in-flight operations and returns how many work
	// items were executed.
	Progress() int

	// Close releases the worker. In-flight requests fail.
	Close() error
}
