package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NebulaChat/nebula-node/pkg/crypto"
	"github.com/NebulaChat/nebula-node/pkg/instrument"
	"github.com/NebulaChat/nebula-node/pkg/log"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

const testTimeout = 5 * time.Second

func testBackend(t *testing.T) *log.Backend {
	t.Helper()
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func testIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

// signalCount reads the signal counter for outcome from the registry
func signalCount(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := instrument.Registry.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "nebula_signals_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

type testRouter struct {
	*Router
	identity   *crypto.Identity
	deliveries chan Delivery
}

func newTestRouter(t *testing.T, cfg SessionConfig) *testRouter {
	t.Helper()

	tr := &testRouter{
		identity:   testIdentity(t),
		deliveries: make(chan Delivery, 16),
	}
	r, err := NewRouter(&RouterConfig{
		Identity:   tr.identity,
		Directory:  NewDirectory(0),
		LogBackend: testBackend(t),
		Session:    cfg,
		OnSignal:   func(d Delivery) { tr.deliveries <- d },
	})
	require.NoError(t, err)
	tr.Router = r
	return tr
}

// rawPeer speaks the wire protocol directly, without a Session
type rawPeer struct {
	t     *testing.T
	conn  net.Conn
	codec *protocol.Codec
}

func newRawPeer(t *testing.T, conn net.Conn) *rawPeer {
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{t: t, conn: conn, codec: protocol.NewCodec(0)}
}

func dialRawPeer(t *testing.T, addr string) *rawPeer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	return newRawPeer(t, conn)
}

func (p *rawPeer) send(m protocol.Message) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(testTimeout)))
	require.NoError(p.t, p.codec.WriteMessage(p.conn, m))
}

func (p *rawPeer) recv() protocol.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	m, err := p.codec.ReadMessage(p.conn)
	require.NoError(p.t, err)
	return m
}

// handshake sends our key and returns the key the other side answers with
func (p *rawPeer) handshake(pk protocol.PublicKey) protocol.PublicKey {
	p.t.Helper()
	p.send(&protocol.Handshake{PublicKey: pk})
	hs, ok := p.recv().(*protocol.Handshake)
	require.True(p.t, ok, "expected handshake reply")
	return hs.PublicKey
}

// sync round-trips a RequestPeers so every earlier message has been
// processed by the remote session; returns the peers it answered with
func (p *rawPeer) sync(expected int) []protocol.PeerInformation {
	p.t.Helper()
	p.send(&protocol.RequestPeers{})

	out := make([]protocol.PeerInformation, 0, expected)
	for i := 0; i < expected; i++ {
		pp, ok := p.recv().(*protocol.PublishPeer)
		require.True(p.t, ok, "expected PublishPeer")
		out = append(out, pp.Peer)
	}
	return out
}

func runSession(s *Session) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(context.Background())
	}()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for session to end")
		return nil
	}
}
