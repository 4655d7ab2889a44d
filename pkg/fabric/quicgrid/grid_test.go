package quicgrid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/weftworks/weft/pkg/fabric"
	"github.com/weftworks/weft/pkg/memblock"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	tmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: "self-signed"},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	require.NoError(t, err)
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	tmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: cn},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	require.NoError(t, err)
	return certDER
}

// testGrids builds two mTLS-connected grids on the loopback
// interface.
func testGrids(t *testing.T) (*Grid, *Grid) {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)
	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	tlsFor := func(name string) *tls.Config {
		key := generateKeyPair(t)
		leafDER := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(leafDER)
		require.NoError(t, err)
		return &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{leafDER},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		}
	}

	handlerFor := func(name string) slog.Handler {
		return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}).WithAttrs([]slog.Attr{
			{Key: "emitter", Value: slog.StringValue(name)},
		})
	}

	g1, err := NewGrid(&Config{
		TlsConfig:  tlsFor("node1"),
		BindAddr:   "127.0.0.1",
		LogHandler: handlerFor("node1"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { g1.Close() })

	g2, err := NewGrid(&Config{
		TlsConfig:  tlsFor("node2"),
		BindAddr:   "127.0.0.1",
		LogHandler: handlerFor("node2"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { g2.Close() })

	return g1, g2
}

func progressUntil(t *testing.T, cond func() bool, grids ...*Grid) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, g := range grids {
			g.Progress()
		}
		return cond()
	}, 10*time.Second, 5*time.Millisecond)
}

func TestGridTaggedSendReceive(t *testing.T) {
	g1, g2 := testGrids(t)

	recvBuf := make([]byte, 64)
	recvReq, err := g2.ReceiveAsync(recvBuf, 0x20, ^uint64(0))
	require.NoError(t, err)

	ep, err := g1.CreateEndpoint(g2.Address())
	require.NoError(t, err)
	sendReq, err := g1.SendAsync(ep, []byte("over quic"), 0x20)
	require.NoError(t, err)

	progressUntil(t, func() bool {
		return sendReq.State() == fabric.StateCompleted && recvReq.State() == fabric.StateCompleted
	}, g1, g2)
	require.Equal(t, "over quic", string(recvBuf[:recvReq.Len()]))
}

func TestGridOneSidedGet(t *testing.T) {
	g1, g2 := testGrids(t)

	region := make([]byte, 128<<10)
	for i := range region {
		region[i] = byte(i * 7)
	}
	cookie, err := g2.RegisterMemory(memblock.HostView(region))
	require.NoError(t, err)

	ep, err := g1.CreateEndpoint(g2.Address())
	require.NoError(t, err)

	dst := make([]byte, 64<<10)
	req, err := g1.Get(ep, cookie, 1024, dst)
	require.NoError(t, err)
	progressUntil(t, func() bool { return req.State() == fabric.StateCompleted }, g1, g2)
	require.Equal(t, region[1024:1024+len(dst)], dst)

	t.Run("unknown cookie fails", func(t *testing.T) {
		req, err := g1.Get(ep, memblock.Cookie("bogus"), 0, make([]byte, 8))
		require.NoError(t, err)
		progressUntil(t, func() bool { return req.State() == fabric.StateFailed }, g1, g2)
		require.ErrorIs(t, req.Err(), fabric.ErrFabric)
	})
}

func TestGridActiveMessages(t *testing.T) {
	g1, g2 := testGrids(t)

	var got []byte
	var from string
	g2.RegisterActiveMessage(5, func(payload []byte, reply fabric.Endpoint) {
		got = append(got, payload...)
		from = reply.PeerAddress()
	})

	ep, err := g1.CreateEndpoint(g2.Address())
	require.NoError(t, err)
	for i := byte(1); i <= 4; i++ {
		_, err := g1.SendActive(ep, 5, []byte{i})
		require.NoError(t, err)
	}

	progressUntil(t, func() bool { return len(got) == 4 }, g1, g2)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
	require.Equal(t, g1.Address(), from)
}

func TestGridBidirectional(t *testing.T) {
	g1, g2 := testGrids(t)

	// g1 dials g2; g2 answers over the same connection pair.
	recvBuf := make([]byte, 16)
	recvReq, err := g1.ReceiveAsync(recvBuf, 0x1, ^uint64(0))
	require.NoError(t, err)

	ep12, err := g1.CreateEndpoint(g2.Address())
	require.NoError(t, err)
	_, err = g1.SendAsync(ep12, []byte("ping"), 0x1)
	require.NoError(t, err)

	pingBuf := make([]byte, 16)
	pingReq, err := g2.ReceiveAsync(pingBuf, 0x1, ^uint64(0))
	require.NoError(t, err)
	progressUntil(t, func() bool { return pingReq.State() == fabric.StateCompleted }, g1, g2)

	ep21, err := g2.CreateEndpoint(g1.Address())
	require.NoError(t, err)
	_, err = g2.SendAsync(ep21, []byte("pong"), 0x1)
	require.NoError(t, err)

	progressUntil(t, func() bool { return recvReq.State() == fabric.StateCompleted }, g1, g2)
	require.Equal(t, "pong", string(recvBuf[:recvReq.Len()]))
}

func TestGridClosedWorkerRejectsOps(t *testing.T) {
	g1, g2 := testGrids(t)
	require.NoError(t, g1.Close())

	_, err := g1.ReceiveAsync(make([]byte, 8), 0, 0)
	require.ErrorIs(t, err, fabric.ErrClosed)
	_, err = g1.CreateEndpoint(g2.Address())
	require.ErrorIs(t, err, fabric.ErrClosed)
}
