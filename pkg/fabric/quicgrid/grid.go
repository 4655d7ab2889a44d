// Package quicgrid is the QUIC-backed fabric implementation. Every
// worker listens on a UDP address; peers hold one QUIC connection per
// pair and exchange varint-framed messages over unidirectional
// streams. One-sided gets are emulated: the requester sends a
// frameGetReq and the owner answers from its registration table
// without touching application code.
//
// Reader and writer goroutines only shovel bytes; every completion
// callback and active-message dispatch is queued as a work item and
// executed inside Progress, so the progress-domain contract of
// package fabric holds here exactly as it does on the loopback grid.
package quicgrid

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"

	"github.com/weftworks/weft/pkg/fabric"
	"github.com/weftworks/weft/pkg/memblock"
)

const alpnProtocol = "weft-grid"

var (
	errQShutdown = quic.ApplicationErrorCode(0x3)
	errQProtocol = quic.ApplicationErrorCode(0xFF)
)

var (
	MetricFrameInBytes   = []string{"quicgrid", "frame", "in", "bytes"}
	MetricFrameOutBytes  = []string{"quicgrid", "frame", "out", "bytes"}
	MetricFrameErrCount  = []string{"quicgrid", "frame", "error", "count"}
	MetricConnEstCount   = []string{"quicgrid", "connection", "established", "count"}
	MetricConnLostCount  = []string{"quicgrid", "connection", "lost", "count"}
	MetricGetServedCount = []string{"quicgrid", "get", "served", "count"}
)

// Config for a grid worker.
type Config struct {
	// TlsConfig must carry mTLS material; peers of a grid must trust
	// each other's certificates.
	TlsConfig *tls.Config

	// BindAddr and BindPort are the UDP listen interface. The
	// resulting address is the worker's identity on the grid.
	BindAddr string
	BindPort int

	// DialTimeout bounds connection establishment to a peer.
	DialTimeout time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metric emitted by the grid.
	MetricLabels []metrics.Label
}

type postedRecv struct {
	buf  []byte
	tag  uint64
	mask uint64
	req  *fabric.Request
}

type inboundMsg struct {
	data []byte
	tag  uint64
	from string
}

type pendingGet struct {
	dst  []byte
	req  *fabric.Request
	peer string
}

// gridConn is the single connection kept per peer.
type gridConn struct {
	addr    string // canonical worker address of the peer
	conn    quic.Connection
	writeCh chan outFrame
	closeCh chan struct{}
	closed  atomic.Bool
}

type outFrame struct {
	frame []byte
	req   *fabric.Request
	n     int
}

// Grid is a QUIC fabric worker.
type Grid struct {
	cfg    *Config
	logger *slog.Logger
	msink  metrics.MetricSink

	addr  string
	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn

	gracefulTerm atomic.Bool

	mu         sync.Mutex
	conns      map[string]*gridConn
	queue      []func()
	regs       map[string]memblock.View
	posted     []*postedRecv
	unexpected []inboundMsg
	gets       map[uint64]*pendingGet

	amMu sync.Mutex
	am   map[uint32]fabric.ActiveMessageHandler

	nextCookie atomic.Uint64
	nextGetID  atomic.Uint64

	wg sync.WaitGroup
}

var _ fabric.Worker = (*Grid)(nil)

// NewGrid binds the UDP listener and starts accepting peers.
func NewGrid(cfg *Config) (*Grid, error) {
	if cfg.TlsConfig == nil {
		return nil, fmt.Errorf("%w: TlsConfig is required", fabric.ErrFabric)
	}

	g := &Grid{
		cfg:   cfg,
		conns: make(map[string]*gridConn),
		regs:  make(map[string]memblock.View),
		gets:  make(map[uint64]*pendingGet),
		am:    make(map[uint32]fabric.ActiveMessageHandler),
	}

	if cfg.LogHandler == nil {
		g.logger = slog.Default()
	} else {
		g.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		g.msink = metrics.Default()
	} else {
		g.msink = cfg.MetricSink
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	tlsConf := cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpnProtocol}
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to allocate UDP listener: %w", fabric.ErrFabric, err)
	}
	g.udpLn = udpLn
	g.addr = udpLn.LocalAddr().String()

	g.tr = &quic.Transport{Conn: udpLn}
	ln, err := g.tr.Listen(tlsConf, &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 1 * time.Minute,
	})
	if err != nil {
		udpLn.Close()
		return nil, fmt.Errorf("%w: failed to allocate QUIC listener: %w", fabric.ErrFabric, err)
	}
	g.ln = ln

	g.wg.Add(1)
	go g.acceptConns()
	return g, nil
}

func (g *Grid) Address() string { return g.addr }

type endpoint struct {
	grid *Grid
	addr string
}

func (ep *endpoint) PeerAddress() string { return ep.addr }

func (g *Grid) CreateEndpoint(addr string) (fabric.Endpoint, error) {
	if _, err := g.resolveConn(addr); err != nil {
		return nil, err
	}
	return &endpoint{grid: g, addr: addr}, nil
}

// resolveConn returns the live connection to addr, dialing if needed.
func (g *Grid) resolveConn(addr string) (*gridConn, error) {
	if g.gracefulTerm.Load() {
		return nil, fabric.ErrClosed
	}
	g.mu.Lock()
	if gc, ok := g.conns[addr]; ok && !gc.closed.Load() {
		g.mu.Unlock()
		return gc, nil
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.DialTimeout)
	defer cancel()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid peer address %q: %w", fabric.ErrFabric, addr, err)
	}

	tlsConf := g.cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpnProtocol}
	}
	conn, err := g.tr.Dial(ctx, udpAddr, tlsConf, &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", fabric.ErrPeerGone, addr, err)
	}
	return g.adoptConn(addr, conn), nil
}

// adoptConn installs a connection under the peer's canonical address,
// spinning up its writer and stream-accept loops. A racing duplicate
// is closed in favor of the installed one.
func (g *Grid) adoptConn(addr string, conn quic.Connection) *gridConn {
	g.mu.Lock()
	if existing, ok := g.conns[addr]; ok && !existing.closed.Load() {
		g.mu.Unlock()
		conn.CloseWithError(0, "duplicate connection")
		return existing
	}
	gc := &gridConn{
		addr:    addr,
		conn:    conn,
		writeCh: make(chan outFrame, 64),
		closeCh: make(chan struct{}),
	}
	g.conns[addr] = gc
	g.mu.Unlock()

	g.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, g.cfg.MetricLabels)
	g.wg.Add(2)
	go g.connWriter(gc)
	go g.connReader(gc)
	return gc
}

// acceptConns runs for the grid's lifetime.
func (g *Grid) acceptConns() {
	defer g.wg.Done()
	for {
		conn, err := g.ln.Accept(context.Background())
		if err != nil {
			if !g.gracefulTerm.Load() {
				g.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}
		// The canonical address arrives in the first INIT frame; until
		// then the connection is not in the connection table and its
		// addr field holds the transport address.
		g.wg.Add(2)
		gc := &gridConn{
			addr:    conn.RemoteAddr().String(),
			conn:    conn,
			writeCh: make(chan outFrame, 64),
			closeCh: make(chan struct{}),
		}
		go g.connWriter(gc)
		go g.connReader(gc)
	}
}

// connWriter owns the single outbound stream of a connection. Frames
// are written in order; completions are posted back to the progress
// queue.
func (g *Grid) connWriter(gc *gridConn) {
	defer g.wg.Done()

	stream, err := gc.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		g.dropConn(gc, err)
		return
	}
	if _, err := stream.Write(encodeInit(g.addr)); err != nil {
		g.dropConn(gc, err)
		return
	}

	for {
		select {
		case <-gc.closeCh:
			stream.Close()
			return
		case out := <-gc.writeCh:
			_, err := stream.Write(out.frame)
			if err != nil {
				if out.req != nil {
					req := out.req
					g.post(func() { req.Complete(0, fmt.Errorf("%w: %w", fabric.ErrPeerGone, err)) })
				}
				g.dropConn(gc, err)
				return
			}
			g.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(out.frame)), g.cfg.MetricLabels)
			if out.req != nil {
				req, n := out.req, out.n
				g.post(func() { req.Complete(n, nil) })
			}
		}
	}
}

// connReader accepts the peer's streams and turns frames into work
// items.
func (g *Grid) connReader(gc *gridConn) {
	defer g.wg.Done()
	ctx := gc.conn.Context()
	for {
		stream, err := gc.conn.AcceptUniStream(ctx)
		if err != nil {
			g.dropConn(gc, err)
			return
		}
		g.wg.Add(1)
		go g.readFrames(gc, stream)
	}
}

func (g *Grid) readFrames(gc *gridConn, stream quic.ReceiveStream) {
	defer g.wg.Done()
	peer := gc.addr
	for {
		body, err := readFrame(stream)
		if err != nil {
			if !g.gracefulTerm.Load() && !errors.Is(err, context.Canceled) {
				g.logger.Debug("stream closed", "peer", peer, "error", err)
			}
			return
		}
		g.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(body)), g.cfg.MetricLabels)

		switch frameKind(body[0]) {
		case frameInit:
			canonical := string(body[1:])
			peer = canonical
			g.registerPeerConn(gc, canonical)
		case frameTagged:
			if len(body) < 9 {
				g.protocolViolation(gc)
				return
			}
			msg := inboundMsg{
				tag:  binary.BigEndian.Uint64(body[1:9]),
				data: append([]byte(nil), body[9:]...),
				from: peer,
			}
			g.post(func() { g.deliver(msg) })
		case frameGetReq:
			if len(body) < 25 {
				g.protocolViolation(gc)
				return
			}
			reqID := binary.BigEndian.Uint64(body[1:9])
			offset := binary.BigEndian.Uint64(body[9:17])
			length := binary.BigEndian.Uint64(body[17:25])
			cookieLen, n := binary.Uvarint(body[25:])
			if n <= 0 || uint64(len(body[25+n:])) != cookieLen {
				g.protocolViolation(gc)
				return
			}
			cookie := append([]byte(nil), body[25+n:]...)
			from := peer
			g.post(func() { g.serveGet(from, reqID, offset, length, cookie) })
		case frameGetResp:
			if len(body) < 10 {
				g.protocolViolation(gc)
				return
			}
			reqID := binary.BigEndian.Uint64(body[1:9])
			status := body[9]
			payload := append([]byte(nil), body[10:]...)
			g.post(func() { g.completeGet(reqID, status, payload) })
		case frameActive:
			if len(body) < 5 {
				g.protocolViolation(gc)
				return
			}
			id := binary.BigEndian.Uint32(body[1:5])
			payload := append([]byte(nil), body[5:]...)
			from := peer
			g.post(func() { g.dispatchActive(id, payload, from) })
		default:
			g.protocolViolation(gc)
			return
		}
	}
}

// registerPeerConn re-keys an accepted connection under the peer's
// canonical address once the INIT frame names it.
func (g *Grid) registerPeerConn(gc *gridConn, canonical string) {
	g.mu.Lock()
	if gc.addr != canonical {
		delete(g.conns, gc.addr)
		gc.addr = canonical
	}
	if existing, ok := g.conns[canonical]; !ok || existing.closed.Load() {
		g.conns[canonical] = gc
	}
	g.mu.Unlock()
}

func (g *Grid) protocolViolation(gc *gridConn) {
	g.msink.IncrCounterWithLabels(MetricFrameErrCount, 1.0, g.cfg.MetricLabels)
	g.logger.Warn("grid protocol violation", "peer", gc.addr)
	gc.conn.CloseWithError(errQProtocol, "protocol violation")
}

// dropConn tears down a broken connection and fails everything that
// was waiting on that peer: frames still queued at the writer and
// gets awaiting a response.
func (g *Grid) dropConn(gc *gridConn, cause error) {
	if !gc.closed.CompareAndSwap(false, true) {
		return
	}
	close(gc.closeCh)

	g.mu.Lock()
	if g.conns[gc.addr] == gc {
		delete(g.conns, gc.addr)
	}
	var orphaned []*fabric.Request
	for id, pending := range g.gets {
		if pending.peer == gc.addr {
			delete(g.gets, id)
			orphaned = append(orphaned, pending.req)
		}
	}
	g.mu.Unlock()

	for {
		select {
		case out := <-gc.writeCh:
			if out.req != nil {
				orphaned = append(orphaned, out.req)
			}
			continue
		default:
		}
		break
	}
	for _, req := range orphaned {
		req := req
		g.post(func() { req.Complete(0, fmt.Errorf("%w: %w", fabric.ErrPeerGone, cause)) })
	}

	if g.gracefulTerm.Load() {
		return
	}
	g.msink.IncrCounterWithLabels(MetricConnLostCount, 1.0, g.cfg.MetricLabels)
	g.logger.Warn("connection to peer lost", "peer", gc.addr, "error", cause)
}

// post queues a work item for Progress.
func (g *Grid) post(item func()) {
	g.mu.Lock()
	g.queue = append(g.queue, item)
	g.mu.Unlock()
}

// Progress drains the pending work items queued at the time of the
// call and returns how many ran.
func (g *Grid) Progress() int {
	g.mu.Lock()
	batch := g.queue
	g.queue = nil
	g.mu.Unlock()
	for _, item := range batch {
		item()
	}
	return len(batch)
}

func (g *Grid) RegisterMemory(view memblock.View) (memblock.Cookie, error) {
	if g.gracefulTerm.Load() {
		return nil, fabric.ErrClosed
	}
	cookie := make(memblock.Cookie, 8)
	binary.BigEndian.PutUint64(cookie, g.nextCookie.Add(1))
	g.mu.Lock()
	g.regs[string(cookie)] = view
	g.mu.Unlock()
	return cookie, nil
}

func (g *Grid) DeregisterMemory(cookie memblock.Cookie) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.regs[string(cookie)]; !ok {
		return fmt.Errorf("%w: unknown registration cookie", fabric.ErrFabric)
	}
	delete(g.regs, string(cookie))
	return nil
}

func (g *Grid) SendAsync(ep fabric.Endpoint, buf []byte, tag uint64) (*fabric.Request, error) {
	gep, ok := ep.(*endpoint)
	if !ok || gep.grid != g {
		return nil, fmt.Errorf("%w: endpoint does not belong to this worker", fabric.ErrFabric)
	}
	gc, err := g.resolveConn(gep.addr)
	if err != nil {
		return nil, err
	}
	req := fabric.NewRequest()
	req.Start(nil)
	g.submit(gc, outFrame{frame: encodeTagged(tag, buf), req: req, n: len(buf)})
	return req, nil
}

func (g *Grid) ReceiveAsync(buf []byte, tag, mask uint64) (*fabric.Request, error) {
	if g.gracefulTerm.Load() {
		return nil, fabric.ErrClosed
	}
	req := fabric.NewRequest()
	recv := &postedRecv{buf: buf, tag: tag, mask: mask, req: req}
	req.Start(func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, p := range g.posted {
			if p == recv {
				g.posted = append(g.posted[:i], g.posted[i+1:]...)
				return true
			}
		}
		return false
	})

	g.mu.Lock()
	for i, msg := range g.unexpected {
		if msg.tag&mask == tag&mask {
			g.unexpected = append(g.unexpected[:i], g.unexpected[i+1:]...)
			g.mu.Unlock()
			g.post(func() { completeRecv(recv, msg) })
			return req, nil
		}
	}
	g.posted = append(g.posted, recv)
	g.mu.Unlock()
	return req, nil
}

// deliver runs on the progress goroutine.
func (g *Grid) deliver(msg inboundMsg) {
	g.mu.Lock()
	for i, recv := range g.posted {
		if msg.tag&recv.mask == recv.tag&recv.mask {
			g.posted = append(g.posted[:i], g.posted[i+1:]...)
			g.mu.Unlock()
			completeRecv(recv, msg)
			return
		}
	}
	g.unexpected = append(g.unexpected, msg)
	g.mu.Unlock()
}

func completeRecv(recv *postedRecv, msg inboundMsg) {
	if len(msg.data) > len(recv.buf) {
		recv.req.Complete(0, fmt.Errorf("%w: message of %d bytes", fabric.ErrShortBuf, len(msg.data)))
		return
	}
	recv.req.Complete(copy(recv.buf, msg.data), nil)
}

func (g *Grid) Get(ep fabric.Endpoint, cookie memblock.Cookie, offset uint64, dst []byte) (*fabric.Request, error) {
	gep, ok := ep.(*endpoint)
	if !ok || gep.grid != g {
		return nil, fmt.Errorf("%w: endpoint does not belong to this worker", fabric.ErrFabric)
	}
	gc, err := g.resolveConn(gep.addr)
	if err != nil {
		return nil, err
	}
	req := fabric.NewRequest()
	reqID := g.nextGetID.Add(1)
	req.Start(func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.gets[reqID]; ok {
			delete(g.gets, reqID)
			return true
		}
		return false
	})

	g.mu.Lock()
	g.gets[reqID] = &pendingGet{dst: dst, req: req, peer: gep.addr}
	g.mu.Unlock()

	g.submit(gc, outFrame{frame: encodeGetReq(reqID, offset, uint64(len(dst)), cookie)})
	return req, nil
}

// serveGet answers a peer's one-sided read from the registration
// table. Runs on the progress goroutine; the actual write goes back
// through the connection's writer.
func (g *Grid) serveGet(from string, reqID, offset, length uint64, cookie []byte) {
	g.mu.Lock()
	view, ok := g.regs[string(cookie)]
	gc := g.conns[from]
	g.mu.Unlock()
	if gc == nil {
		return
	}

	if !ok {
		g.submit(gc, outFrame{frame: encodeGetResp(reqID, getStatusBadCookie, nil)})
		return
	}
	end := offset + length
	if end > view.Len() {
		g.submit(gc, outFrame{frame: encodeGetResp(reqID, getStatusBadRange, nil)})
		return
	}
	g.msink.IncrCounterWithLabels(MetricGetServedCount, 1.0, g.cfg.MetricLabels)
	g.submit(gc, outFrame{frame: encodeGetResp(reqID, getStatusOK, view.Bytes()[offset:end])})
}

// completeGet runs on the progress goroutine.
func (g *Grid) completeGet(reqID uint64, status byte, payload []byte) {
	g.mu.Lock()
	pending, ok := g.gets[reqID]
	if ok {
		delete(g.gets, reqID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	switch status {
	case getStatusOK:
		if len(payload) > len(pending.dst) {
			pending.req.Complete(0, fmt.Errorf("%w: get answered %d bytes into %d", fabric.ErrShortBuf, len(payload), len(pending.dst)))
			return
		}
		pending.req.Complete(copy(pending.dst, payload), nil)
	case getStatusBadCookie:
		pending.req.Complete(0, fmt.Errorf("%w: unknown registration cookie", fabric.ErrFabric))
	default:
		pending.req.Complete(0, fmt.Errorf("%w: get out of registered range", fabric.ErrFabric))
	}
}

func (g *Grid) SendActive(ep fabric.Endpoint, id uint32, payload []byte) (*fabric.Request, error) {
	gep, ok := ep.(*endpoint)
	if !ok || gep.grid != g {
		return nil, fmt.Errorf("%w: endpoint does not belong to this worker", fabric.ErrFabric)
	}
	gc, err := g.resolveConn(gep.addr)
	if err != nil {
		return nil, err
	}
	req := fabric.NewRequest()
	req.Start(nil)
	g.submit(gc, outFrame{frame: encodeActive(id, payload), req: req, n: len(payload)})
	return req, nil
}

func (g *Grid) dispatchActive(id uint32, payload []byte, from string) {
	g.amMu.Lock()
	handler := g.am[id]
	if handler != nil {
		handler(payload, &endpoint{grid: g, addr: from})
	}
	g.amMu.Unlock()
}

func (g *Grid) RegisterActiveMessage(id uint32, handler fabric.ActiveMessageHandler) {
	g.amMu.Lock()
	g.am[id] = handler
	g.amMu.Unlock()
}

func (g *Grid) DetachActiveMessage(id uint32) {
	g.amMu.Lock()
	delete(g.am, id)
	g.amMu.Unlock()
}

// submit hands a frame to the connection's writer, failing the
// request immediately when the peer is gone.
func (g *Grid) submit(gc *gridConn, out outFrame) {
	select {
	case gc.writeCh <- out:
	case <-gc.closeCh:
		if out.req != nil {
			req := out.req
			g.post(func() { req.Complete(0, fabric.ErrPeerGone) })
		}
	}
}

// Close shuts the grid down: no new operations, connections closed,
// listener and UDP socket released.
func (g *Grid) Close() error {
	if !g.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	g.mu.Lock()
	conns := make([]*gridConn, 0, len(g.conns))
	for _, gc := range g.conns {
		conns = append(conns, gc)
	}
	posted := g.posted
	g.posted = nil
	gets := g.gets
	g.gets = make(map[uint64]*pendingGet)
	g.mu.Unlock()

	for _, recv := range posted {
		recv.req.Complete(0, fabric.ErrClosed)
	}
	for _, pending := range gets {
		pending.req.Complete(0, fabric.ErrClosed)
	}
	for _, gc := range conns {
		if gc.closed.CompareAndSwap(false, true) {
			close(gc.closeCh)
		}
		gc.conn.CloseWithError(errQShutdown, "worker shutting down")
	}

	if g.ln != nil {
		g.ln.Close()
	}
	if g.udpLn != nil {
		g.udpLn.Close()
	}
	g.wg.Wait()
	// Frames the writers never sent fail with their requests.
	for _, gc := range conns {
		for len(gc.writeCh) > 0 {
			if out := <-gc.writeCh; out.req != nil {
				out.req.Complete(0, fabric.ErrClosed)
			}
		}
	}
	return nil
}
