package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/weftworks/weft/pkg/codable"
	"github.com/weftworks/weft/pkg/fabric"
	"github.com/weftworks/weft/pkg/memblock"
)

// Runtime wires the remote-object subsystem together over an injected
// fabric worker: block provider, data plane, and manager, started in
// that order and shut down in reverse.
type Runtime struct {
	cfg      config
	logger   *slog.Logger
	worker   fabric.Worker
	provider *memblock.Provider
	dp       *DataPlane
	mgr      *Manager

	lk       sync.Mutex
	shutdown bool
}

// Create builds and starts a runtime on top of worker. WithInstanceID
// is mandatory; everything else has defaults.
func Create(worker fabric.Worker, opts ...Option) (*Runtime, error) {
	cfg := config{
		eagerThreshold:  defaultEagerThreshold,
		transientSize:   defaultTransientPoolSize,
		transientCount:  defaultTransientPoolCnt,
		decrementCap:    defaultDecrementCapacity,
		activeMessageID: DefaultActiveMessageID,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.instanceID == 0 {
		return nil, fmt.Errorf("%w: WithInstanceID is required", ErrInvalidCfg)
	}

	var logger *slog.Logger
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	} else {
		logger = slog.Default()
	}
	logger = logger.With(LabelInstance.L(cfg.instanceID))

	msink := cfg.msink
	if msink == nil {
		msink = metrics.Default()
	}

	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		worker:   worker,
		provider: memblock.NewProvider(worker),
	}
	r.dp = newDataPlane(worker, &cfg, logger, msink)
	r.dp.start()
	r.mgr = newManager(&cfg, r.provider, r.dp, logger, msink)
	r.mgr.start()

	logger.Info("runtime started", LabelPeerAddr.L(worker.Address()))
	return r, nil
}

func (r *Runtime) InstanceID() uint64           { return r.cfg.instanceID }
func (r *Runtime) Manager() *Manager            { return r.mgr }
func (r *Runtime) DataPlane() *DataPlane        { return r.dp }
func (r *Runtime) Provider() *memblock.Provider { return r.provider }
func (r *Runtime) Worker() fabric.Worker        { return r.worker }

// AddPeer records a peer instance's worker address. The control plane
// owns membership; the runtime only consumes the mapping.
func (r *Runtime) AddPeer(instance uint64, addr string) {
	r.dp.AddPeer(instance, addr)
}

// EncoderConfig is the per-instance encoder configuration: encodes
// issued with it stamp this runtime's instance id into remote-buffer
// descriptors.
func (r *Runtime) EncoderConfig() codable.EncoderConfig {
	return codable.EncoderConfig{
		Instance:       r.cfg.instanceID,
		EagerThreshold: r.cfg.eagerThreshold,
	}
}

// Decoder builds a decoder whose remote reads pull through this
// runtime's data plane.
func (r *Runtime) Decoder(obj *codable.Object) *codable.Decoder {
	return codable.NewDecoder(obj, codable.DecoderConfig{Puller: r.dp})
}

// SendHandle transfers a handle (and the encoded object's wire form)
// to a peer instance under a tag. The handle's tokens move with it:
// once the peer's endpoint resolves, the local handle is consumed and
// the producer's ledger attributes the tokens to the peer, whether or
// not the send then succeeds. A transfer that fails with ErrPeerGone
// reclaims the peer's tokens immediately.
func (r *Runtime) SendHandle(ctx context.Context, h *Handle, obj *codable.Object, peer uint64, tag uint64) error {
	if h.Released() {
		return ErrHandleReleased
	}
	if obj == nil {
		if h.instance != r.cfg.instanceID {
			return fmt.Errorf("%w: forwarding needs the encoded object", ErrForeignHandle)
		}
		var err error
		obj, err = r.mgr.Lookup(h.object)
		if err != nil {
			return err
		}
	}
	wire, err := obj.MarshalBinary()
	if err != nil {
		return err
	}
	frame := append(EncodeHandle(h), wire...)

	ep, err := r.dp.EndpointFor(peer)
	if err != nil {
		return err
	}

	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	if h.instance == r.cfg.instanceID {
		r.mgr.noteTransfer(h.object, peer, h.tokens)
	}

	req, err := r.dp.SendAsync(ep, frame, tag)
	if err == nil {
		err = req.Await(ctx)
	}
	if err != nil {
		if errors.Is(err, fabric.ErrPeerGone) {
			r.logger.Warn("peer gone during handle transfer, reclaiming its tokens", LabelInstance.L(peer))
			r.dp.forgetEndpoint(peer)
			if h.instance == r.cfg.instanceID {
				r.mgr.ReleasePeer(peer)
			}
		}
		return err
	}
	return nil
}

// RecvHandle receives a handle published by a peer. The frame is
// staged in a transient pool buffer because the encoded object's size
// is unknown at post time.
func (r *Runtime) RecvHandle(ctx context.Context, tag uint64) (*Handle, *codable.Object, error) {
	buf, err := r.dp.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer r.dp.pool.Release(buf)

	req, err := r.dp.ReceiveAsync(buf, tag, ^uint64(0))
	if err != nil {
		return nil, nil, err
	}
	if err := req.Await(ctx); err != nil {
		req.Cancel()
		return nil, nil, err
	}

	n := req.Len()
	if n < HandleWireSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrHandleFrame, n)
	}
	h, err := DecodeHandle(buf[:HandleWireSize])
	if err != nil {
		return nil, nil, err
	}
	obj := new(codable.Object)
	if err := obj.UnmarshalBinary(buf[HandleWireSize:n]); err != nil {
		return nil, nil, err
	}
	return h, obj, nil
}

// ReleaseHandle gives a handle's tokens back to its producer.
func (r *Runtime) ReleaseHandle(h *Handle) error {
	return r.mgr.ReleaseHandle(h)
}

// Shutdown stops the subsystem: manager first (detach, drain,
// assert-empty), then the progress loop, then the fabric worker.
// Idempotent.
func (r *Runtime) Shutdown() error {
	r.lk.Lock()
	if r.shutdown {
		r.lk.Unlock()
		return nil
	}
	r.shutdown = true
	r.lk.Unlock()

	start := time.Now()
	r.logger.Info("shutting down...")
	r.mgr.stop()
	r.dp.stop()
	err := r.worker.Close()
	r.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}
