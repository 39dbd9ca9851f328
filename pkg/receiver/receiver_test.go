package receiver_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/lumberjack/internal/testpki"
	"github.com/obsidianstack/lumberjack/pkg/protocol"
	"github.com/obsidianstack/lumberjack/pkg/receiver"
	"github.com/obsidianstack/lumberjack/pkg/types"
)

// sink collects accepted events.
type sink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *sink) add(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Message()
	}
	return out
}

// startReceiver runs a collector on a random loopback port.
func startReceiver(t *testing.T, h receiver.Handler, opts ...receiver.Option) (*receiver.Receiver, *testpki.Pair) {
	t.Helper()
	pki := testpki.Generate(t, time.Hour)
	r := receiver.New(pki.ServerConfig(), h, opts...)
	require.NoError(t, r.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { r.Close() })
	return r, pki
}

func dial(t *testing.T, r *receiver.Receiver, pki *testpki.Pair) *tls.Conn {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pki.CertPEM))
	conn, err := tls.Dial("tcp", r.Addr().String(), &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func events(prefix string, n int) []types.Event {
	out := make([]types.Event, n)
	for i := range out {
		out[i] = types.New(fmt.Sprintf("%s %d", prefix, i))
	}
	return out
}

func send(t *testing.T, conn net.Conn, version byte, level int, first uint32, evs []types.Event) {
	t.Helper()
	enc, err := protocol.NewEncoder(version, level)
	require.NoError(t, err)
	b, err := enc.Encode(first, evs)
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func readAck(t *testing.T, conn net.Conn) protocol.Ack {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	ack, err := protocol.ReadAck(conn)
	require.NoError(t, err)
	return ack
}

func TestReceiver_AcksWholeWindow(t *testing.T) {
	s := &sink{}
	r, pki := startReceiver(t, func(_ context.Context, _ uint32, ev types.Event) error {
		s.add(ev)
		return nil
	})
	conn := dial(t, r, pki)

	send(t, conn, protocol.V1, 0, 1, events("a", 3))
	assert.Equal(t, protocol.Ack{Version: protocol.V1, Sequence: 3}, readAck(t, conn))

	send(t, conn, protocol.V2, 6, 4, events("b", 2))
	assert.Equal(t, protocol.Ack{Version: protocol.V2, Sequence: 5}, readAck(t, conn))

	assert.Equal(t, []string{"a 0", "a 1", "a 2", "b 0", "b 1"}, s.messages())
	st := r.Stats()
	assert.Equal(t, int64(2), st.Windows)
	assert.Equal(t, int64(5), st.Events)
	assert.Equal(t, int64(2), st.Acks)
}

func TestReceiver_PartialAckOnReject(t *testing.T) {
	r, pki := startReceiver(t, func(_ context.Context, seq uint32, _ types.Event) error {
		if seq == 3 {
			return receiver.ErrReject
		}
		return nil
	})
	conn := dial(t, r, pki)

	send(t, conn, protocol.V1, 0, 1, events("x", 5))
	assert.Equal(t, uint32(2), readAck(t, conn).Sequence)

	// The connection stays usable for the next window.
	send(t, conn, protocol.V1, 0, 6, events("y", 1))
	assert.Equal(t, uint32(6), readAck(t, conn).Sequence)
}

func TestReceiver_HandlerErrorDropsConnection(t *testing.T) {
	r, pki := startReceiver(t, func(context.Context, uint32, types.Event) error {
		return errors.New("crashed")
	})
	conn := dial(t, r, pki)

	send(t, conn, protocol.V1, 0, 1, events("x", 2))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadAck(conn)
	assert.Error(t, err, "connection must close without an ack")
	assert.Equal(t, int64(1), r.Stats().Drops)
}

func TestReceiver_DropConnections(t *testing.T) {
	block := make(chan struct{})
	r, pki := startReceiver(t, func(context.Context, uint32, types.Event) error {
		<-block
		return nil
	})
	conn := dial(t, r, pki)
	send(t, conn, protocol.V1, 0, 1, events("x", 1))

	require.Eventually(t, func() bool { return r.Stats().Windows == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.DropConnections())
	close(block)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadAck(conn)
	assert.Error(t, err)
}

func TestReceiver_RejectsNonWindowFirstFrame(t *testing.T) {
	r, pki := startReceiver(t, func(context.Context, uint32, types.Event) error { return nil })
	conn := dial(t, r, pki)

	_, err := conn.Write(protocol.EncodeAck(protocol.V1, 1))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = protocol.ReadAck(conn)
	assert.Error(t, err)
}

func TestReceiver_CloseIsIdempotent(t *testing.T) {
	pki := testpki.Generate(t, time.Hour)
	r := receiver.New(pki.ServerConfig(), func(context.Context, uint32, types.Event) error { return nil })
	require.NoError(t, r.Listen("127.0.0.1:0"))
	assert.NotZero(t, r.Port())

	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background()) }()

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
