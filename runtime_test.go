package weft

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/weftworks/weft/pkg/codable"
	"github.com/weftworks/weft/pkg/fabric/loopback"
)

const testTag uint64 = 0xD47A

func TestEagerHandleTransfer(t *testing.T) {
	grid := loopback.NewGrid()
	a, _ := testRuntime(t, grid, 1)
	b, _ := testRuntime(t, grid, 2)
	connect(a, b)

	obj := encodeChunk(t, a, []byte("inline payload"))
	h, err := a.Manager().Publish(obj, 1)
	require.NoError(t, err)

	recvErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rh, robj, err := b.RecvHandle(ctx, testTag)
		if err != nil {
			recvErr <- err
			return
		}
		got, err := codable.DecodeValue[chunk](robj)
		if err != nil {
			recvErr <- err
			return
		}
		if !bytes.Equal(got.body, []byte("inline payload")) {
			recvErr <- context.Canceled
			return
		}
		recvErr <- b.ReleaseHandle(rh)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.SendHandle(ctx, h, nil, b.InstanceID(), testTag))
	require.NoError(t, <-recvErr)

	require.Eventually(t, func() bool {
		return a.Manager().Size() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRemotePull(t *testing.T) {
	grid := loopback.NewGrid()
	a, aWorker := testRuntime(t, grid, 1)
	b, _ := testRuntime(t, grid, 2)
	connect(a, b)

	// 4 MiB of recognizable bytes, far past the eager threshold.
	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	obj := encodeChunk(t, a, payload)
	desc, err := obj.DescriptorAt(1)
	require.NoError(t, err)
	require.Equal(t, codable.KindRemote, desc.Kind)
	require.Equal(t, 1, a.Provider().Size())

	h, err := a.Manager().Publish(obj, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rh, robj, err := b.RecvHandle(ctx, testTag)
		if err != nil {
			done <- err
			return
		}
		dec := b.Decoder(robj)
		got, err := codable.Decode[chunk](dec)
		if err != nil {
			done <- err
			return
		}
		if !bytes.Equal(got.body, payload) {
			done <- context.Canceled
			return
		}
		done <- b.ReleaseHandle(rh)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.SendHandle(ctx, h, nil, b.InstanceID(), testTag))
	require.NoError(t, <-done)

	// Once the decrement has drained, the store is empty and the
	// producer's registration refcount is back to zero.
	require.Eventually(t, func() bool {
		return a.Manager().Size() == 0 && a.Provider().Size() == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, aWorker.RegistrationCount())
}

func TestTokenFanOut(t *testing.T) {
	grid := loopback.NewGrid()
	a, _ := testRuntime(t, grid, 1)
	b, _ := testRuntime(t, grid, 2)
	c, _ := testRuntime(t, grid, 3)
	d, _ := testRuntime(t, grid, 4)
	connect(a, b, c, d)

	obj := encodeChunk(t, a, []byte("fan-out"))
	h, err := a.Manager().Publish(obj, 3)
	require.NoError(t, err)

	h2, err := h.Split(1)
	require.NoError(t, err)
	h3, err := h.Split(1)
	require.NoError(t, err)

	consumers := []*Runtime{b, c, d}
	handles := []*Handle{h, h2, h3}
	errCh := make(chan error, len(consumers))
	for _, consumer := range consumers {
		go func(r *Runtime) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rh, robj, err := r.RecvHandle(ctx, testTag)
			if err != nil {
				errCh <- err
				return
			}
			if _, err := codable.DecodeValue[chunk](robj); err != nil {
				errCh <- err
				return
			}
			errCh <- r.ReleaseHandle(rh)
		}(consumer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, consumer := range consumers {
		require.NoError(t, a.SendHandle(ctx, handles[i], nil, consumer.InstanceID(), testTag))
	}
	for range consumers {
		require.NoError(t, <-errCh)
	}

	// Three decrements later the object is erased exactly once.
	require.Eventually(t, func() bool {
		return a.Manager().Size() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPeerCrashReclaimsTokens(t *testing.T) {
	grid := loopback.NewGrid()
	a, _ := testRuntime(t, grid, 1)
	b, bWorker := testRuntime(t, grid, 2)
	connect(a, b)

	first := encodeChunk(t, a, []byte("held by b"))
	h1, err := a.Manager().Publish(first, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		b.RecvHandle(rctx, testTag)
	}()
	require.NoError(t, a.SendHandle(ctx, h1, nil, b.InstanceID(), testTag))
	<-recvDone
	require.Equal(t, 1, a.Manager().Size())

	// B dies without releasing its handle.
	grid.Kill(bWorker.Address())

	second := encodeChunk(t, a, []byte("never arrives"))
	h2, err := a.Manager().Publish(second, 1)
	require.NoError(t, err)
	err = a.SendHandle(ctx, h2, nil, b.InstanceID(), testTag)
	require.Error(t, err)

	// The per-peer ledger attributes both objects' tokens to B, so
	// the failed send reclaims everything it held.
	require.Eventually(t, func() bool {
		return a.Manager().Size() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFlushIdempotentOnIdle(t *testing.T) {
	a, _ := testRuntime(t, loopback.NewGrid(), 1)
	require.Eventually(t, func() bool {
		return a.DataPlane().Flush() == 0
	}, time.Second, time.Millisecond)
	require.Zero(t, a.DataPlane().Flush())
	require.Zero(t, a.DataPlane().Flush())
}

func TestSendHandleToUnknownPeer(t *testing.T) {
	a, _ := testRuntime(t, loopback.NewGrid(), 1)
	obj := encodeChunk(t, a, []byte("nowhere"))
	h, err := a.Manager().Publish(obj, 1)
	require.NoError(t, err)

	err = a.SendHandle(context.Background(), h, nil, 42, testTag)
	require.ErrorIs(t, err, ErrUnknownPeer)
	// The handle was not consumed; release it normally.
	require.NoError(t, a.ReleaseHandle(h))
	require.Zero(t, a.Manager().Size())
}

func TestCreateRequiresInstanceID(t *testing.T) {
	grid := loopback.NewGrid()
	_, err := Create(grid.NewWorker())
	require.ErrorIs(t, err, ErrInvalidCfg)
}
