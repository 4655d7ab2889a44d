package weft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/weftworks/weft/pkg/fabric"
	"github.com/weftworks/weft/pkg/memblock"
)

// DataPlane wraps the fabric worker: it owns the progress loop,
// caches one endpoint per peer, maps instance ids to worker
// addresses, and satisfies remote pulls for decoders.
type DataPlane struct {
	worker fabric.Worker
	logger *slog.Logger
	msink  metrics.MetricSink
	mlbls  []metrics.Label
	pool   *transientPool

	mu        sync.Mutex
	endpoints map[string]fabric.Endpoint
	addrOf    map[uint64]string
	instOf    map[string]uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newDataPlane(worker fabric.Worker, cfg *config, logger *slog.Logger, msink metrics.MetricSink) *DataPlane {
	dp := &DataPlane{
		worker:    worker,
		logger:    logger,
		msink:     msink,
		mlbls:     cfg.metricLabels,
		pool:      newTransientPool(cfg.transientSize, cfg.transientCount, msink, cfg.metricLabels),
		endpoints: make(map[string]fabric.Endpoint),
		addrOf:    make(map[uint64]string),
		instOf:    make(map[string]uint64),
		stopCh:    make(chan struct{}),
	}
	for instance, addr := range cfg.peers {
		dp.AddPeer(instance, addr)
	}
	return dp
}

// start spins up the progress goroutine. All fabric callbacks run
// there.
func (dp *DataPlane) start() {
	dp.wg.Add(1)
	go func() {
		defer dp.wg.Done()
		for {
			select {
			case <-dp.stopCh:
				return
			default:
			}
			if dp.worker.Progress() == 0 {
				// Idle; yield instead of spinning the core.
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()
}

func (dp *DataPlane) stop() {
	close(dp.stopCh)
	dp.wg.Wait()
}

// Worker exposes the underlying fabric worker.
func (dp *DataPlane) Worker() fabric.Worker { return dp.worker }

// Address is this worker's address on the grid.
func (dp *DataPlane) Address() string { return dp.worker.Address() }

// Progress advances in-flight operations once.
func (dp *DataPlane) Progress() int { return dp.worker.Progress() }

// Flush progresses until the worker reports no work left and returns
// the total work done. Idempotent on an idle worker: returns 0.
func (dp *DataPlane) Flush() int {
	total := 0
	for {
		n := dp.worker.Progress()
		if n == 0 {
			return total
		}
		total += n
	}
}

// AddPeer records which worker address an instance listens on.
func (dp *DataPlane) AddPeer(instance uint64, addr string) {
	dp.mu.Lock()
	dp.addrOf[instance] = addr
	dp.instOf[addr] = instance
	dp.mu.Unlock()
}

// instanceFor resolves a worker address back to an instance id, zero
// if unknown.
func (dp *DataPlane) instanceFor(addr string) uint64 {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.instOf[addr]
}

// EndpointFor returns the (cached) endpoint to an instance, dialing
// lazily on first use.
func (dp *DataPlane) EndpointFor(instance uint64) (fabric.Endpoint, error) {
	dp.mu.Lock()
	addr, ok := dp.addrOf[instance]
	if !ok {
		dp.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, instance)
	}
	if ep, ok := dp.endpoints[addr]; ok {
		dp.mu.Unlock()
		return ep, nil
	}
	dp.mu.Unlock()

	ep, err := dp.worker.CreateEndpoint(addr)
	if err != nil {
		return nil, err
	}
	dp.mu.Lock()
	dp.endpoints[addr] = ep
	dp.mu.Unlock()
	return ep, nil
}

// forgetEndpoint drops the cached endpoint for an instance, so a
// restarted peer gets a fresh connection.
func (dp *DataPlane) forgetEndpoint(instance uint64) {
	dp.mu.Lock()
	if addr, ok := dp.addrOf[instance]; ok {
		delete(dp.endpoints, addr)
	}
	dp.mu.Unlock()
}

// SendAsync posts a tagged send.
func (dp *DataPlane) SendAsync(ep fabric.Endpoint, buf []byte, tag uint64) (*fabric.Request, error) {
	req, err := dp.worker.SendAsync(ep, buf, tag)
	if err != nil {
		dp.msink.IncrCounterWithLabels(MetricSendErrorCount, 1.0, dp.mlbls)
		return nil, err
	}
	dp.msink.IncrCounterWithLabels(MetricSendCount, 1.0, dp.mlbls)
	dp.msink.IncrCounterWithLabels(MetricSendBytes, float32(len(buf)), dp.mlbls)
	return req, nil
}

// ReceiveAsync posts a tagged receive with a match mask.
func (dp *DataPlane) ReceiveAsync(buf []byte, tag, mask uint64) (*fabric.Request, error) {
	req, err := dp.worker.ReceiveAsync(buf, tag, mask)
	if err != nil {
		return nil, err
	}
	dp.msink.IncrCounterWithLabels(MetricReceiveCount, 1.0, dp.mlbls)
	return req, nil
}

// Pull satisfies codable.Puller: it issues a one-sided get against
// the producing instance's registered memory and blocks the calling
// task until the read completes.
func (dp *DataPlane) Pull(ctx context.Context, instance uint64, cookie memblock.Cookie, offset, length uint64, dst []byte) error {
	if uint64(len(dst)) < length {
		return fmt.Errorf("%w: pull of %d bytes into %d", fabric.ErrShortBuf, length, len(dst))
	}
	ep, err := dp.EndpointFor(instance)
	if err != nil {
		return err
	}
	req, err := dp.worker.Get(ep, cookie, offset, dst[:length])
	if err != nil {
		dp.msink.IncrCounterWithLabels(MetricPullErrorCount, 1.0, dp.mlbls)
		return err
	}
	if err := req.Await(ctx); err != nil {
		req.Cancel()
		dp.msink.IncrCounterWithLabels(MetricPullErrorCount, 1.0, dp.mlbls)
		return err
	}
	dp.msink.IncrCounterWithLabels(MetricPullCount, 1.0, dp.mlbls)
	dp.msink.IncrCounterWithLabels(MetricPullBytes, float32(length), dp.mlbls)
	return nil
}
