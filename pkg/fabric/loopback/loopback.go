// Package loopback is an in-process fabric: every worker lives in the
// same address space and bytes move with copies (or direct reads for
// one-sided gets). It backs tests and single-process runtimes, and it
// is the reference for the delivery semantics a real transport must
// provide: completions fire on the consuming worker's progress
// goroutine, active messages to one peer stay FIFO, and a killed
// worker surfaces ErrPeerGone on every subsequent operation.
package loopback

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/weftworks/weft/pkg/fabric"
	"github.com/weftworks/weft/pkg/memblock"
)

// Grid joins loopback workers together.
type Grid struct {
	mu      sync.Mutex
	workers map[string]*Worker

	nextWorker atomic.Uint64
	nextCookie atomic.Uint64
}

func NewGrid() *Grid {
	return &Grid{workers: make(map[string]*Worker)}
}

// NewWorker creates a worker and joins it to the grid.
func (g *Grid) NewWorker() *Worker {
	w := &Worker{
		grid: g,
		addr: fmt.Sprintf("loopback-%d", g.nextWorker.Add(1)),
		regs: make(map[string]memblock.View),
		am:   make(map[uint32]fabric.ActiveMessageHandler),
	}
	g.mu.Lock()
	g.workers[w.addr] = w
	g.mu.Unlock()
	return w
}

// Kill simulates the crash of the worker at addr: it disappears from
// the grid and every operation targeting it fails with ErrPeerGone.
func (g *Grid) Kill(addr string) {
	g.mu.Lock()
	w, ok := g.workers[addr]
	if ok {
		w.dead.Store(true)
		delete(g.workers, addr)
	}
	g.mu.Unlock()
}

func (g *Grid) lookup(addr string) (*Worker, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.workers[addr]
	return w, ok
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
}

// Worker is one loopback progress context.
type Worker struct {
	grid *Grid
	addr string

	mu         sync.Mutex
	queue      []func()
	regs       map[string]memblock.View
	posted     []*postedRecv
	unexpected []inboundMsg

	// amMu is held while a handler runs, so DetachActiveMessage can
	// guarantee no invocation survives it.
	amMu sync.Mutex
	am   map[uint32]fabric.ActiveMessageHandler

	dead   atomic.Bool
	closed atomic.Bool
}

var _ fabric.Worker = (*Worker)(nil)

type endpoint struct {
	from   *Worker
	target *Worker
}

func (ep *endpoint) PeerAddress() string { return ep.target.addr }

func (w *Worker) Address() string { return w.addr }

func (w *Worker) CreateEndpoint(addr string) (fabric.Endpoint, error) {
	target, ok := w.grid.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: no worker at %s", fabric.ErrPeerGone, addr)
	}
	return &endpoint{from: w, target: target}, nil
}

func (w *Worker) RegisterMemory(view memblock.View) (memblock.Cookie, error) {
	if w.closed.Load() {
		return nil, fabric.ErrClosed
	}
	cookie := make(memblock.Cookie, 8)
	binary.BigEndian.PutUint64(cookie, w.grid.nextCookie.Add(1))
	w.mu.Lock()
	w.regs[string(cookie)] = view
	w.mu.Unlock()
	return cookie, nil
}

func (w *Worker) DeregisterMemory(cookie memblock.Cookie) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.regs[string(cookie)]; !ok {
		return fmt.Errorf("%w: unknown registration cookie", fabric.ErrFabric)
	}
	delete(w.regs, string(cookie))
	return nil
}

// RegistrationCount reports live registrations, for tests.
func (w *Worker) RegistrationCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.regs)
}

func (w *Worker) SendAsync(ep fabric.Endpoint, buf []byte, tag uint64) (*fabric.Request, error) {
	target, err := w.resolve(ep)
	if err != nil {
		return nil, err
	}
	req := fabric.NewRequest()
	req.Start(nil)
	if target.dead.Load() {
		w.enqueue(func() { req.Complete(0, fabric.ErrPeerGone) })
		return req, nil
	}
	msg := inboundMsg{data: append([]byte(nil), buf...), tag: tag}
	n := len(buf)
	target.enqueue(func() { target.deliver(msg) })
	w.enqueue(func() { req.Complete(n, nil) })
	return req, nil
}

func (w *Worker) ReceiveAsync(buf []byte, tag, mask uint64) (*fabric.Request, error) {
	if w.closed.Load() {
		return nil, fabric.ErrClosed
	}
	req := fabric.NewRequest()
	recv := &postedRecv{buf: buf, tag: tag, mask: mask, req: req}
	req.Start(func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, p := range w.posted {
			if p == recv {
				w.posted = append(w.posted[:i], w.posted[i+1:]...)
				return true
			}
		}
		return false
	})

	w.mu.Lock()
	for i, msg := range w.unexpected {
		if msg.tag&mask == tag&mask {
			w.unexpected = append(w.unexpected[:i], w.unexpected[i+1:]...)
			w.mu.Unlock()
			w.enqueue(func() { completeRecv(recv, msg) })
			return req, nil
		}
	}
	w.posted = append(w.posted, recv)
	w.mu.Unlock()
	return req, nil
}

// deliver runs on the receiving worker's progress goroutine.
func (w *Worker) deliver(msg inboundMsg) {
	w.mu.Lock()
	for i, recv := range w.posted {
		if msg.tag&recv.mask == recv.tag&recv.mask {
			w.posted = append(w.posted[:i], w.posted[i+1:]...)
			w.mu.Unlock()
			completeRecv(recv, msg)
			return
		}
	}
	w.unexpected = append(w.unexpected, msg)
	w.mu.Unlock()
}

func completeRecv(recv *postedRecv, msg inboundMsg) {
	if len(msg.data) > len(recv.buf) {
		recv.req.Complete(0, fmt.Errorf("%w: message of %d bytes", fabric.ErrShortBuf, len(msg.data)))
		return
	}
	recv.req.Complete(copy(recv.buf, msg.data), nil)
}

func (w *Worker) Get(ep fabric.Endpoint, cookie memblock.Cookie, offset uint64, dst []byte) (*fabric.Request, error) {
	target, err := w.resolve(ep)
	if err != nil {
		return nil, err
	}
	req := fabric.NewRequest()
	req.Start(nil)
	if target.dead.Load() {
		w.enqueue(func() { req.Complete(0, fabric.ErrPeerGone) })
		return req, nil
	}

	// One-sided: read the registered region directly, no target CPU.
	target.mu.Lock()
	view, ok := target.regs[string(cookie)]
	target.mu.Unlock()
	if !ok {
		w.enqueue(func() { req.Complete(0, fmt.Errorf("%w: unknown registration cookie", fabric.ErrFabric)) })
		return req, nil
	}
	end := offset + uint64(len(dst))
	if end > view.Len() {
		w.enqueue(func() { req.Complete(0, fmt.Errorf("%w: get [%d, %d) of %d", fabric.ErrFabric, offset, end, view.Len())) })
		return req, nil
	}
	n := copy(dst, view.Bytes()[offset:end])
	w.enqueue(func() { req.Complete(n, nil) })
	return req, nil
}

func (w *Worker) SendActive(ep fabric.Endpoint, id uint32, payload []byte) (*fabric.Request, error) {
	target, err := w.resolve(ep)
	if err != nil {
		return nil, err
	}
	req := fabric.NewRequest()
	req.Start(nil)
	if target.dead.Load() {
		w.enqueue(func() { req.Complete(0, fabric.ErrPeerGone) })
		return req, nil
	}
	data := append([]byte(nil), payload...)
	reply := &endpoint{from: target, target: w}
	n := len(payload)
	target.enqueue(func() { target.dispatchActive(id, data, reply) })
	w.enqueue(func() { req.Complete(n, nil) })
	return req, nil
}

func (w *Worker) dispatchActive(id uint32, payload []byte, reply fabric.Endpoint) {
	w.amMu.Lock()
	handler := w.am[id]
	if handler != nil {
		handler(payload, reply)
	}
	w.amMu.Unlock()
}

func (w *Worker) RegisterActiveMessage(id uint32, handler fabric.ActiveMessageHandler) {
	w.amMu.Lock()
	w.am[id] = handler
	w.amMu.Unlock()
}

func (w *Worker) DetachActiveMessage(id uint32) {
	w.amMu.Lock()
	delete(w.am, id)
	w.amMu.Unlock()
}

// Progress drains the pending work items queued at the time of the
// call and returns how many ran.
func (w *Worker) Progress() int {
	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()
	for _, item := range batch {
		item()
	}
	return len(batch)
}

func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.grid.mu.Lock()
	delete(w.grid.workers, w.addr)
	w.grid.mu.Unlock()

	w.mu.Lock()
	posted := w.posted
	w.posted = nil
	w.mu.Unlock()
	for _, recv := range posted {
		recv.req.Complete(0, fabric.ErrClosed)
	}
	return nil
}

func (w *Worker) enqueue(item func()) {
	w.mu.Lock()
	w.queue = append(w.queue, item)
	w.mu.Unlock()
}

func (w *Worker) resolve(ep fabric.Endpoint) (*Worker, error) {
	lep, ok := ep.(*endpoint)
	if !ok || lep.from != w {
		return nil, fmt.Errorf("%w: endpoint does not belong to this worker", fabric.ErrFabric)
	}
	if w.closed.Load() {
		return nil, fabric.ErrClosed
	}
	return lep.target, nil
}
