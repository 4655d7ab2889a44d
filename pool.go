package weft

import (
	"context"

	"github.com/hashicorp/go-metrics"
)

// transientPool hands out fixed-size staging buffers for receives
// whose final destination is not known at post time. Strictly
// bounded: when every buffer is out, Acquire waits.
type transientPool struct {
	size  int
	bufs  chan []byte
	msink metrics.MetricSink
	mlbls []metrics.Label
}

func newTransientPool(size, count int, msink metrics.MetricSink, labels []metrics.Label) *transientPool {
	p := &transientPool{
		size:  size,
		bufs:  make(chan []byte, count),
		msink: msink,
		mlbls: labels,
	}
	for i := 0; i < count; i++ {
		p.bufs <- make([]byte, size)
	}
	return p
}

// Acquire takes a staging buffer, waiting for one to come back if the
// pool is dry.
func (p *transientPool) Acquire(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.bufs:
		p.msink.IncrCounterWithLabels(MetricPoolAcquireCount, 1.0, p.mlbls)
		return buf, nil
	default:
	}
	p.msink.IncrCounterWithLabels(MetricPoolEmptyCount, 1.0, p.mlbls)
	select {
	case buf := <-p.bufs:
		p.msink.IncrCounterWithLabels(MetricPoolAcquireCount, 1.0, p.mlbls)
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a buffer to the pool. Only buffers handed out by
// Acquire may come back.
func (p *transientPool) Release(buf []byte) {
	if cap(buf) != p.size {
		panic("weft: foreign buffer returned to transient pool")
	}
	p.bufs <- buf[:p.size]
}

// BufferSize is the fixed size of every staging buffer.
func (p *transientPool) BufferSize() int { return p.size }
