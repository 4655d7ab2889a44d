package weft

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/weftworks/weft/pkg/codable"
	"github.com/weftworks/weft/pkg/fabric"
	"github.com/weftworks/weft/pkg/memblock"
)

// decrementWireSize is the fixed length of a decrement active
// message: (object-id u64, token-count u64), big-endian.
const decrementWireSize = 16

func encodeDecrement(object, tokens uint64) []byte {
	buf := make([]byte, decrementWireSize)
	binary.BigEndian.PutUint64(buf[0:8], object)
	binary.BigEndian.PutUint64(buf[8:16], tokens)
	return buf
}

func decodeDecrement(buf []byte) (object, tokens uint64, ok bool) {
	if len(buf) != decrementWireSize {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(buf[0:8]), binary.BigEndian.Uint64(buf[8:16]), true
}

// decrement travels from the active-message handler (progress
// goroutine) to the decrement handler task. The peer address is
// resolved to an instance id only on the handler side, so the
// progress goroutine touches no application state.
type decrement struct {
	object   uint64
	tokens   uint64
	peerAddr string
}

// storedObject pairs an encoding with its outstanding tokens. The
// per-peer ledger tracks how many of them each remote instance holds,
// so a dead peer's share can be reclaimed.
type storedObject struct {
	obj     *codable.Object
	tokens  uint64
	perPeer map[uint64]uint64
}

// Manager owns stored encoded objects and their reference counts.
//
// It registers an active-message handler with the data plane's
// worker. That handler runs on the fabric progress goroutine, so it
// does nothing but forward the decrement over a bounded channel to a
// dedicated handler goroutine, which takes the manager lock and
// applies it. The shutdown sequence is fixed: detach the handler,
// close the channel, drain the handler, then assert the store is
// empty (releasing forcibly if not).
type Manager struct {
	instanceID uint64
	amID       uint32
	provider   *memblock.Provider
	dp         *DataPlane
	logger     *slog.Logger
	msink      metrics.MetricSink
	mlbls      []metrics.Label

	mu       sync.Mutex
	objects  map[uint64]*storedObject
	poisoned map[uint64]struct{}
	nextID   uint64

	decCh  chan decrement
	stopCh chan struct{}
	doneCh chan struct{}
}

func newManager(cfg *config, provider *memblock.Provider, dp *DataPlane, logger *slog.Logger, msink metrics.MetricSink) *Manager {
	return &Manager{
		instanceID: cfg.instanceID,
		amID:       cfg.activeMessageID,
		provider:   provider,
		dp:         dp,
		logger:     logger,
		msink:      msink,
		mlbls:      cfg.metricLabels,
		objects:    make(map[uint64]*storedObject),
		poisoned:   make(map[uint64]struct{}),
		decCh:      make(chan decrement, cfg.decrementCap),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (m *Manager) start() {
	m.dp.Worker().RegisterActiveMessage(m.amID, m.handleActiveMessage)
	go m.runDecrements()
}

// stop runs the mandatory shutdown order.
func (m *Manager) stop() {
	// 1. No further active messages reach us.
	m.dp.Worker().DetachActiveMessage(m.amID)
	// 2. No further enqueues; wake any blocked forward.
	close(m.stopCh)
	close(m.decCh)
	// 3. Drain the decrement handler.
	<-m.doneCh
	// 4. The store must be empty; release forcibly if peers leaked.
	m.mu.Lock()
	leaked := len(m.objects)
	if leaked > 0 {
		m.logger.Warn("stored objects leaked at shutdown, releasing forcibly", LabelCount.L(leaked))
		for id, s := range m.objects {
			if err := s.obj.ReleaseBindings(m.provider); err != nil {
				m.logger.Error("failed to release bindings", LabelObject.L(id), LabelError.L(err))
			}
			delete(m.objects, id)
		}
		m.msink.IncrCounterWithLabels(MetricForcedReleaseCount, float32(leaked), m.mlbls)
	}
	m.msink.SetGaugeWithLabels(MetricStoredObjects, 0, m.mlbls)
	m.mu.Unlock()
}

// handleActiveMessage runs on the progress goroutine: parse, forward,
// return. No allocation beyond the message value, no application
// locks.
func (m *Manager) handleActiveMessage(payload []byte, reply fabric.Endpoint) {
	object, tokens, ok := decodeDecrement(payload)
	if !ok {
		return
	}
	m.msink.IncrCounterWithLabels(MetricActiveInCount, 1.0, m.mlbls)
	dec := decrement{object: object, tokens: tokens}
	if reply != nil {
		dec.peerAddr = reply.PeerAddress()
	}
	select {
	case m.decCh <- dec:
	case <-m.stopCh:
	}
}

// runDecrements is the dedicated handler task: the only place remote
// decrements take the manager lock.
func (m *Manager) runDecrements() {
	defer close(m.doneCh)
	for dec := range m.decCh {
		peer := m.dp.instanceFor(dec.peerAddr)
		if err := m.decrementFrom(dec.object, dec.tokens, peer); err != nil {
			m.logger.Error(
				"failed to apply remote decrement",
				LabelObject.L(dec.object),
				LabelTokens.L(dec.tokens),
				LabelError.L(err),
			)
		}
	}
}

// Publish stores an encoded object under a fresh id and mints the
// initial handle. The manager owns the object from here on.
func (m *Manager) Publish(obj *codable.Object, initialTokens uint64) (*Handle, error) {
	if initialTokens == 0 {
		return nil, ErrZeroTokens
	}
	if err := obj.Seal(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.objects[id] = &storedObject{
		obj:     obj,
		tokens:  initialTokens,
		perPeer: make(map[uint64]uint64),
	}
	m.msink.SetGaugeWithLabels(MetricStoredObjects, float32(len(m.objects)), m.mlbls)
	m.mu.Unlock()

	return newHandle(m.instanceID, id, initialTokens), nil
}

// Lookup returns the encoding stored under id, for local decode paths
// and for serving remote pulls.
func (m *Manager) Lookup(id uint64) (*codable.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: object %d", ErrNotFound, id)
	}
	return s.obj, nil
}

// Size reports how many objects the store holds.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// InstanceID is the identity object ids are scoped to.
func (m *Manager) InstanceID() uint64 { return m.instanceID }

// Decrement subtracts n tokens from id, erasing the stored object
// when the count reaches zero. A decrement below zero is a protocol
// bug: the id is poisoned and ErrOverRelease returned.
func (m *Manager) Decrement(id, n uint64) error {
	return m.decrementFrom(id, n, 0)
}

func (m *Manager) decrementFrom(id, n, peer uint64) error {
	m.mu.Lock()
	s, ok := m.objects[id]
	if !ok {
		if _, gone := m.poisoned[id]; !gone && id > 0 && id <= m.nextID {
			// The id existed and its count already reached zero: this
			// decrement is a protocol bug, not a stale lookup.
			m.poisoned[id] = struct{}{}
			m.msink.IncrCounterWithLabels(MetricOverReleaseCount, 1.0, m.mlbls)
			m.mu.Unlock()
			return fmt.Errorf("%w: object %d already fully released", ErrOverRelease, id)
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: object %d", ErrNotFound, id)
	}
	if n > s.tokens {
		// Protocol bug. Poison the id so later lookups fail fast, and
		// release the storage: the count can never be trusted again.
		delete(m.objects, id)
		m.poisoned[id] = struct{}{}
		obj := s.obj
		m.msink.IncrCounterWithLabels(MetricOverReleaseCount, 1.0, m.mlbls)
		m.msink.SetGaugeWithLabels(MetricStoredObjects, float32(len(m.objects)), m.mlbls)
		m.mu.Unlock()
		if err := obj.ReleaseBindings(m.provider); err != nil {
			m.logger.Error("failed to release bindings", LabelObject.L(id), LabelError.L(err))
		}
		return fmt.Errorf("%w: object %d, %d tokens held, %d released", ErrOverRelease, id, s.tokens, n)
	}
	s.tokens -= n
	if peer != 0 {
		held := s.perPeer[peer]
		if n < held {
			s.perPeer[peer] = held - n
		} else {
			delete(s.perPeer, peer)
		}
	}
	m.msink.IncrCounterWithLabels(MetricDecrementCount, 1.0, m.mlbls)
	if s.tokens > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.objects, id)
	m.msink.SetGaugeWithLabels(MetricStoredObjects, float32(len(m.objects)), m.mlbls)
	m.mu.Unlock()

	if err := s.obj.ReleaseBindings(m.provider); err != nil {
		m.logger.Error("failed to release bindings", LabelObject.L(id), LabelError.L(err))
	}
	m.logger.Debug("stored object erased", LabelObject.L(id))
	return nil
}

// noteTransfer records that tokens of object id are now held by peer,
// feeding the per-peer ledger ReleasePeer consumes.
func (m *Manager) noteTransfer(id, peer, tokens uint64) {
	m.mu.Lock()
	if s, ok := m.objects[id]; ok {
		s.perPeer[peer] += tokens
	}
	m.mu.Unlock()
}

// ReleasePeer reclaims every token the ledger attributes to a gone
// peer. Objects whose only outstanding tokens were held by it are
// erased.
func (m *Manager) ReleasePeer(peer uint64) {
	var release []*codable.Object
	m.mu.Lock()
	for id, s := range m.objects {
		held := s.perPeer[peer]
		if held == 0 {
			continue
		}
		delete(s.perPeer, peer)
		if held >= s.tokens {
			s.tokens = 0
			delete(m.objects, id)
			release = append(release, s.obj)
			m.logger.Warn("reclaimed object from gone peer", LabelObject.L(id), LabelInstance.L(peer))
		} else {
			s.tokens -= held
		}
		m.msink.IncrCounterWithLabels(MetricPeerReleaseCount, 1.0, m.mlbls)
	}
	m.msink.SetGaugeWithLabels(MetricStoredObjects, float32(len(m.objects)), m.mlbls)
	m.mu.Unlock()

	for _, obj := range release {
		if err := obj.ReleaseBindings(m.provider); err != nil {
			m.logger.Error("failed to release bindings", LabelError.L(err))
		}
	}
}

// ReleaseHandle gives back the handle's tokens. A handle against this
// instance decrements directly; a handle against a peer enqueues a
// decrement active message to it. Either way the handle is dead on
// return.
func (m *Manager) ReleaseHandle(h *Handle) error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	if h.instance == m.instanceID {
		return m.Decrement(h.object, h.tokens)
	}

	ep, err := m.dp.EndpointFor(h.instance)
	if err != nil {
		return err
	}
	req, err := m.dp.Worker().SendActive(ep, m.amID, encodeDecrement(h.object, h.tokens))
	if err != nil {
		return err
	}
	m.msink.IncrCounterWithLabels(MetricActiveOutCount, 1.0, m.mlbls)

	// The drop itself never blocks; delivery failures are only worth
	// a log line, the producer's peer ledger covers the leak.
	go func() {
		if err := req.Await(context.Background()); err != nil && !errors.Is(err, fabric.ErrCancelled) {
			m.logger.Warn(
				"decrement active message failed",
				LabelInstance.L(h.instance),
				LabelObject.L(h.object),
				LabelError.L(err),
			)
		}
	}()
	return nil
}
