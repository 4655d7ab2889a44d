package weft

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// DefaultActiveMessageID is the active-message id the manager uses
// for decrements unless overridden. It must match across peers.
const DefaultActiveMessageID uint32 = 0x5FD

const (
	defaultEagerThreshold    = 1 << 10
	defaultTransientPoolSize = 32 << 20
	defaultTransientPoolCnt  = 4
	defaultDecrementCapacity = 128
)

type config struct {
	instanceID      uint64
	eagerThreshold  uint64
	transientSize   int
	transientCount  int
	decrementCap    int
	activeMessageID uint32
	peers           map[uint64]string
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
}

// Option to pass to `Create`.
type Option func(*config) error

// WithInstanceID sets the process-wide identity of this runtime.
// Object ids are scoped to it; peers address decrements to it. It
// MUST be unique across the grid.
func WithInstanceID(id uint64) Option {
	return func(c *config) error {
		if id == 0 {
			return ErrInvalidCfg
		}
		c.instanceID = id
		return nil
	}
}

// WithEagerThreshold sets the cutoff (in bytes) at or below which
// payloads are copied inline instead of published as remote buffers.
func WithEagerThreshold(bytes uint64) Option {
	return func(c *config) error {
		if bytes == 0 {
			bytes = defaultEagerThreshold
		}
		c.eagerThreshold = bytes
		return nil
	}
}

// WithTransientPool sizes the staging buffers backing receives whose
// destination is not known at post time.
func WithTransientPool(size, count int) Option {
	return func(c *config) error {
		if size <= 0 || count <= 0 {
			return ErrInvalidCfg
		}
		c.transientSize = size
		c.transientCount = count
		return nil
	}
}

// WithDecrementChannelCapacity bounds the reference-count traffic
// queued between the progress goroutine and the decrement handler.
func WithDecrementChannelCapacity(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidCfg
		}
		c.decrementCap = n
		return nil
	}
}

// WithActiveMessageID overrides the active-message id used for
// decrements. All peers of a grid must agree on it.
func WithActiveMessageID(id uint32) Option {
	return func(c *config) error {
		c.activeMessageID = id
		return nil
	}
}

// WithPeer teaches the runtime which worker address an instance id
// listens on. The control plane owns this mapping; more peers can be
// added later with `Runtime.AddPeer`.
func WithPeer(instanceID uint64, workerAddress string) Option {
	return func(c *config) error {
		if instanceID == 0 || workerAddress == "" {
			return ErrInvalidCfg
		}
		if c.peers == nil {
			c.peers = make(map[uint64]string)
		}
		c.peers[instanceID] = workerAddress
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics
// emitted by the runtime.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// runtime.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}
