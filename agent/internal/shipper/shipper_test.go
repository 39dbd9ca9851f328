package shipper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/lumberjack/agent/internal/config"
	"github.com/obsidianstack/lumberjack/agent/internal/conn"
	"github.com/obsidianstack/lumberjack/agent/internal/metrics"
	"github.com/obsidianstack/lumberjack/agent/internal/security"
	"github.com/obsidianstack/lumberjack/internal/testpki"
	"github.com/obsidianstack/lumberjack/pkg/protocol"
	"github.com/obsidianstack/lumberjack/pkg/receiver"
	"github.com/obsidianstack/lumberjack/pkg/types"
)

type record struct {
	seq uint32
	msg string
}

// collector is an in-process lumberjack server that records what it accepts.
// fault, when set, runs before each event is accepted and may return
// receiver.ErrReject (partial ack) or any other error (drop the connection).
type collector struct {
	*receiver.Receiver
	pki *testpki.Pair

	mu      sync.Mutex
	calls   int
	records []record
	fault   func(call int, seq uint32, ev types.Event) error
}

func startCollector(t *testing.T, fault func(call int, seq uint32, ev types.Event) error, opts ...receiver.Option) *collector {
	t.Helper()
	c := &collector{pki: testpki.Generate(t, time.Hour), fault: fault}
	c.Receiver = receiver.New(c.pki.ServerConfig(), c.handle, opts...)
	require.NoError(t, c.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { c.Close() })
	return c
}

func (c *collector) handle(_ context.Context, seq uint32, ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fault != nil {
		if err := c.fault(c.calls, seq, ev); err != nil {
			return err
		}
	}
	c.records = append(c.records, record{seq: seq, msg: ev.Message()})
	return nil
}

func (c *collector) received() []record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record(nil), c.records...)
}

func (c *collector) messages() []string {
	recs := c.received()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.msg
	}
	return out
}

// output returns a shipper config pointing at the collector.
func (c *collector) output(flushSize int) config.OutputConfig {
	return config.OutputConfig{
		Hosts:             []string{"127.0.0.1"},
		Port:              c.Port(),
		SSLCertificate:    c.pki.CertFile,
		FlushSize:         flushSize,
		IdleFlushInterval: time.Hour,
		AckTimeout:        5 * time.Second,
		Backoff: config.BackoffConfig{
			Initial: time.Millisecond,
			Max:     20 * time.Millisecond,
		},
	}
}

func newShipper(t *testing.T, cfg config.OutputConfig, opts ...Option) *Shipper {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func receiveN(t *testing.T, s *Shipper, n int) []string {
	t.Helper()
	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = "event " + strconv.Itoa(i)
		require.NoError(t, s.Receive(types.New(want[i], types.F("n", types.Int(int64(i))))))
	}
	return want
}

func shutdown(t *testing.T, s *Shipper) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func uniqueSorted(msgs []string) []string {
	set := map[string]bool{}
	for _, m := range msgs {
		set[m] = true
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func TestShipper_ThresholdBatchesInOrder(t *testing.T) {
	c := startCollector(t, nil)
	s := newShipper(t, c.output(10))

	want := receiveN(t, s, 50)
	require.Eventually(t, func() bool { return len(c.received()) == 50 }, 5*time.Second, 5*time.Millisecond)

	recs := c.received()
	for i, r := range recs {
		assert.Equal(t, want[i], r.msg)
		assert.Equal(t, uint32(i+1), r.seq, "one session numbers 1..50")
	}

	require.NoError(t, shutdown(t, s))

	stats := c.Stats()
	assert.Equal(t, int64(5), stats.Windows)
	assert.Equal(t, int64(1), stats.Connections)
	require.Eventually(t, func() bool { return c.Stats().Acks == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 50.0, s.Metrics().Value(metrics.EventsAcked))
	assert.Equal(t, 5.0, s.Metrics().Value(metrics.BatchesSent))
}

func TestShipper_BelowThresholdWaits(t *testing.T) {
	c := startCollector(t, nil)
	s := newShipper(t, c.output(10))

	receiveN(t, s, 9)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.received(), "nothing sent below flush_size")
	assert.Equal(t, 9, s.Buffered())

	require.NoError(t, s.Receive(types.New("event 9")))
	require.Eventually(t, func() bool { return len(c.received()) == 10 }, 5*time.Second, 5*time.Millisecond)
}

func TestShipper_CloseDrainsEverything(t *testing.T) {
	c := startCollector(t, nil)
	s := newShipper(t, c.output(10))

	want := receiveN(t, s, 47)
	require.NoError(t, s.Close())

	assert.Equal(t, want, c.messages(), "exactly the received events, once each")
	assert.Equal(t, 0, s.Buffered())
	assert.Equal(t, Stopped, s.State())
	assert.ErrorIs(t, s.Receive(types.New("late")), ErrClosed)
	assert.NoError(t, s.Close(), "later calls return the first result")
}

func TestShipper_AtLeastOnceUnderCrashes(t *testing.T) {
	tests := []struct {
		events  int
		crashes int
	}{
		{20, 1},
		{60, 3},
		{100, 10},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d events %d crashes", tc.events, tc.crashes), func(t *testing.T) {
			crashes := 0
			c := startCollector(t, func(call int, _ uint32, _ types.Event) error {
				if crashes < tc.crashes && call%7 == 0 {
					crashes++
					return errors.New("collector crashed")
				}
				return nil
			})
			s := newShipper(t, c.output(10))

			want := receiveN(t, s, tc.events)
			require.NoError(t, shutdown(t, s))

			got := c.messages()
			assert.GreaterOrEqual(t, len(got), tc.events)
			sort.Strings(want)
			assert.Equal(t, want, uniqueSorted(got), "every event delivered")
			assert.Equal(t, int64(tc.crashes), c.Stats().Drops)
			assert.GreaterOrEqual(t, s.Metrics().Value(metrics.Reconnects), float64(tc.crashes))
			assert.GreaterOrEqual(t, s.Metrics().Value(metrics.DeliveryFailures), float64(tc.crashes))
		})
	}
}

func TestShipper_PartialAckResendsOnlyTail(t *testing.T) {
	rejected := false
	c := startCollector(t, func(_ int, seq uint32, _ types.Event) error {
		if seq == 6 && !rejected {
			rejected = true
			return receiver.ErrReject
		}
		return nil
	})
	s := newShipper(t, c.output(10))

	want := receiveN(t, s, 10)
	require.Eventually(t, func() bool { return len(c.received()) == 10 }, 5*time.Second, 5*time.Millisecond)

	recs := c.received()
	var seqs []uint32
	for _, r := range recs {
		seqs = append(seqs, r.seq)
	}
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 11, 12, 13, 14, 15}, seqs,
		"acknowledged prefix is never resent; the tail continues the session numbering")
	assert.Equal(t, want, c.messages())
	assert.Equal(t, int64(1), c.Stats().Connections, "partial ack keeps the connection")

	require.NoError(t, shutdown(t, s))
	assert.Equal(t, 5.0, s.Metrics().Value(metrics.EventsResent))
	assert.Equal(t, 0.0, s.Metrics().Value(metrics.DeliveryFailures))
}

func TestShipper_AckTimeoutReconnectsAndResends(t *testing.T) {
	first := true
	c := startCollector(t, func(_ int, _ uint32, _ types.Event) error {
		if first {
			// Accept nothing in the first window so no ack is ever sent.
			first = false
			return receiver.ErrReject
		}
		return nil
	})
	cfg := c.output(5)
	cfg.AckTimeout = 100 * time.Millisecond
	s := newShipper(t, cfg)

	want := receiveN(t, s, 5)
	require.Eventually(t, func() bool { return len(c.received()) == 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, c.messages())

	require.NoError(t, shutdown(t, s))
	assert.Equal(t, int64(2), c.Stats().Connections)
	assert.Equal(t, 1.0, s.Metrics().Value(metrics.DeliveryFailures))
	assert.Equal(t, 1.0, s.Metrics().Value(metrics.Reconnects))
}

func TestShipper_CollectorDropsBetweenWindows(t *testing.T) {
	c := startCollector(t, nil)
	s := newShipper(t, c.output(5))

	receiveN(t, s, 5)
	require.Eventually(t, func() bool { return len(c.received()) == 5 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == Idle }, time.Second, time.Millisecond)

	assert.Equal(t, 1, c.DropConnections())
	for i := 5; i < 10; i++ {
		require.NoError(t, s.Receive(types.New("event "+strconv.Itoa(i))))
	}
	require.NoError(t, shutdown(t, s))

	got := uniqueSorted(c.messages())
	assert.Len(t, got, 10)
	assert.GreaterOrEqual(t, c.Stats().Connections, int64(2))
}

func TestShipper_IdleFlush(t *testing.T) {
	mock := clock.NewMock()
	c := startCollector(t, nil)
	cfg := c.output(100)
	cfg.IdleFlushInterval = time.Second
	s := newShipper(t, cfg, WithClock(mock))

	want := receiveN(t, s, 3)

	// The ticker is created by the worker goroutine; keep advancing until it fires.
	deadline := time.Now().Add(5 * time.Second)
	for len(c.received()) < 3 && time.Now().Before(deadline) {
		mock.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, want, c.messages())
}

func TestShipper_ExplicitFlush(t *testing.T) {
	c := startCollector(t, nil)
	s := newShipper(t, c.output(100))

	want := receiveN(t, s, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, want, c.messages())
	assert.Equal(t, 0, s.Buffered())
}

func TestShipper_ProtocolV2Compressed(t *testing.T) {
	var mu sync.Mutex
	var got []types.Event
	pki := testpki.Generate(t, time.Hour)
	r := receiver.New(pki.ServerConfig(), func(_ context.Context, _ uint32, ev types.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, r.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { r.Close() })

	s := newShipper(t, config.OutputConfig{
		Hosts:            []string{"127.0.0.1"},
		Port:             r.Port(),
		SSLCertificate:   pki.CertFile,
		FlushSize:        8,
		ProtocolVersion:  2,
		CompressionLevel: 6,
	})

	var want []types.Event
	for i := 0; i < 20; i++ {
		ev := types.New("line "+strconv.Itoa(i),
			types.F("offset", types.Int(int64(i*100))),
			types.F("source", types.Map(
				types.F("host", types.String("web-1")),
				types.F("file", types.String("/var/log/app.log")),
			)),
		)
		want = append(want, ev)
		require.NoError(t, s.Receive(ev))
	}
	require.NoError(t, shutdown(t, s))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "event %d: got %v", i, got[i].Fields())
	}
}

func TestShipper_ConcurrentProducers(t *testing.T) {
	c := startCollector(t, nil)
	cfg := c.output(16)
	cfg.MaxBufferedEvents = 32
	s := newShipper(t, cfg)

	const producers, each = 6, 40
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, s.Receive(types.New(fmt.Sprintf("%d/%d", p, i))))
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, shutdown(t, s))

	assert.Len(t, c.messages(), producers*each)
	assert.Len(t, uniqueSorted(c.messages()), producers*each)
}

func TestShipper_ShutdownTimeout(t *testing.T) {
	pki := testpki.Generate(t, time.Hour)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	s, err := New(config.OutputConfig{
		Hosts:          []string{"127.0.0.1"},
		Port:           port,
		SSLCertificate: pki.CertFile,
		FlushSize:      2,
		Backoff:        config.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	receiveN(t, s, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)

	var ste *ShutdownTimeoutError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, 5, ste.Undelivered)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Same(t, err, s.Close(), "later calls return the first result")
	assert.ErrorIs(t, s.Receive(types.New("late")), ErrClosed)
	assert.Greater(t, s.Metrics().Value(metrics.ConnectFailures), 0.0)
}

func TestShipper_ShutdownWakesBackoff(t *testing.T) {
	c := startCollector(t, nil)
	cfg := c.output(100)
	cfg.Backoff = config.BackoffConfig{Initial: time.Hour, Max: time.Hour}

	// The first dial fails and leaves the worker in an hour-long backoff.
	var mu sync.Mutex
	dials := 0
	tlsCfg, _, err := security.ClientTLS(cfg.WithDefaults(), time.Now())
	require.NoError(t, err)
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("connection refused")
		}
		d := &tls.Dialer{Config: tlsCfg}
		return d.DialContext(ctx, "tcp", addr)
	}
	s := newShipper(t, cfg, WithDialer(dial))

	want := receiveN(t, s, 3)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Flush(ctx)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 1
	}, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, shutdown(t, s))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, want, c.messages())
}

func TestShipper_ReceiveRejectsEventWithoutMessage(t *testing.T) {
	c := startCollector(t, nil)
	s := newShipper(t, c.output(10))

	err := s.Receive(types.FromFields(types.F("level", types.String("info"))))
	assert.ErrorIs(t, err, types.ErrNoMessage)
	assert.Equal(t, 0, s.Buffered())
}

func oversized() types.Event {
	return types.New(strings.Repeat("x", protocol.MaxPayload+1))
}

func TestShipper_ReceiveRejectsOversizedEvent(t *testing.T) {
	c := startCollector(t, nil)
	s := newShipper(t, c.output(3))

	require.NoError(t, s.Receive(types.New("ok-1")))
	assert.ErrorIs(t, s.Receive(oversized()), protocol.ErrTooLarge)
	require.NoError(t, s.Receive(types.New("ok-2")))
	assert.Equal(t, 2, s.Buffered())

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"ok-1", "ok-2"}, c.messages())
}

func TestShipper_UnencodableEventDropsOnlyItself(t *testing.T) {
	c := startCollector(t, nil)
	s := newShipper(t, c.output(3))

	require.NoError(t, s.Receive(types.New("ok-1")))
	// Bypass Receive so the worker meets the event at encode time.
	require.NoError(t, s.buf.Add(oversized()))
	s.received.Add(1)
	require.NoError(t, s.Receive(types.New("ok-2")))

	require.Eventually(t, func() bool { return len(c.received()) == 2 }, 5*time.Second, 5*time.Millisecond)

	err := shutdown(t, s)
	assert.ErrorIs(t, err, protocol.ErrTooLarge)
	var ste *ShutdownTimeoutError
	assert.False(t, errors.As(err, &ste))
	assert.Equal(t, []string{"ok-1", "ok-2"}, c.messages())
	assert.Equal(t, 0, s.undelivered())
}

func TestShipper_ShutdownDeadlineReleasesConnection(t *testing.T) {
	c := startCollector(t, nil, receiver.WithAckDelay(time.Hour))
	cfg := c.output(3)
	cfg.AckTimeout = time.Minute
	s := newShipper(t, cfg)

	receiveN(t, s, 3)
	require.Eventually(t, func() bool { return s.State() == AwaitingAck }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Shutdown(ctx)

	var ste *ShutdownTimeoutError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, 3, ste.Undelivered)
	assert.Less(t, time.Since(start), abortGrace, "the ack wait is cut short")
	assert.Equal(t, Stopped, s.State(), "worker has exited")
	assert.Equal(t, conn.Closing, s.conn.State())
}

func TestNew_ConfigurationErrors(t *testing.T) {
	pki := testpki.Generate(t, time.Hour)
	expired := testpki.Expired(t)
	base := config.OutputConfig{Hosts: []string{"127.0.0.1"}, Port: 5044, SSLCertificate: pki.CertFile}

	tests := []struct {
		name   string
		mutate func(*config.OutputConfig)
		target error
	}{
		{"no hosts", func(o *config.OutputConfig) { o.Hosts = nil }, nil},
		{"bad port", func(o *config.OutputConfig) { o.Port = 0 }, nil},
		{"missing certificate", func(o *config.OutputConfig) { o.SSLCertificate = "/nonexistent/ca.pem" }, nil},
		{"expired certificate", func(o *config.OutputConfig) { o.SSLCertificate = expired.CertFile }, security.ErrExpired},
		{"bad flush size", func(o *config.OutputConfig) { o.FlushSize = -3 }, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			s, err := New(cfg)
			require.Error(t, err)
			assert.Nil(t, s)
			var ce *config.ConfigurationError
			assert.ErrorAs(t, err, &ce)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}
		})
	}
}
