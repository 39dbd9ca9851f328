package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/obsidianstack/lumberjack/agent/internal/buffer"
	"github.com/obsidianstack/lumberjack/agent/internal/config"
	"github.com/obsidianstack/lumberjack/agent/internal/conn"
	"github.com/obsidianstack/lumberjack/agent/internal/metrics"
	"github.com/obsidianstack/lumberjack/agent/internal/security"
	"github.com/obsidianstack/lumberjack/pkg/protocol"
	"github.com/obsidianstack/lumberjack/pkg/types"
)

// abortGrace bounds the wait for the worker after the shutdown deadline.
const abortGrace = 5 * time.Second

// Option customises a Shipper.
type Option func(*options)

type options struct {
	log     *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	dial    conn.DialFunc
}

// WithLogger replaces the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithClock replaces the clock driving the idle flush and backoff sleeps.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithMetrics records into m instead of a private set of instruments.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithDialer replaces the TLS dialer used to reach the collector.
func WithDialer(d conn.DialFunc) Option { return func(o *options) { o.dial = d } }

// Shipper accepts events from any number of goroutines and delivers them to
// the collector from a single worker goroutine.
type Shipper struct {
	cfg     config.OutputConfig
	buf     *buffer.Buffer
	conn    *conn.Manager
	enc     *protocol.Encoder
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   clock.Clock

	state    atomic.Int32
	received atomic.Int64
	settled  atomic.Int64 // acknowledged or dropped as unencodable

	flushReq chan chan struct{}
	stopping chan struct{} // closed when shutdown starts
	done     chan struct{} // closed when the worker returns
	abort    context.CancelFunc

	dropMu  sync.Mutex
	dropErr error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg, loads the TLS material and starts the delivery worker.
// No connection is made until the first batch is ready.
func New(cfg config.OutputConfig, opts ...Option) (*Shipper, error) {
	o := options{log: slog.Default(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}

	tlsCfg, cert, err := security.ClientTLS(cfg, o.clock.Now())
	if err != nil {
		return nil, &config.ConfigurationError{Path: cfg.SSLCertificate, Err: err}
	}
	if cert.Status == "expiring" {
		o.log.Warn("shipper: collector certificate expires soon",
			"path", cert.Path,
			"subject", cert.Subject,
			"not_after", cert.NotAfter,
			"days_left", cert.DaysLeft)
	}

	enc, err := protocol.NewEncoder(byte('0'+cfg.ProtocolVersion), cfg.CompressionLevel)
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}

	m := o.metrics
	connOpts := []conn.Option{
		conn.WithClock(o.clock),
		conn.WithLogger(o.log),
		conn.WithHooks(conn.Hooks{
			Connected: func(_ string, reconnect bool) {
				if reconnect {
					m.Reconnects.Inc()
				}
			},
			ConnectFailed: func(addr string, _ error) {
				m.ConnectFailures.WithLabelValues(addr).Inc()
			},
		}),
	}
	if o.dial != nil {
		connOpts = append(connOpts, conn.WithDialer(o.dial))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Shipper{
		cfg:      cfg,
		buf:      buffer.New(cfg.FlushSize, cfg.MaxBufferedEvents),
		conn:     conn.New(cfg, tlsCfg, connOpts...),
		enc:      enc,
		metrics:  m,
		log:      o.log,
		clock:    o.clock,
		flushReq: make(chan chan struct{}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		abort:    cancel,
	}

	s.log.Info("shipper: registered",
		"hosts", cfg.Hosts,
		"port", cfg.Port,
		"flush_size", cfg.FlushSize,
		"protocol_version", cfg.ProtocolVersion,
		"compression_level", cfg.CompressionLevel)

	go s.run(ctx)
	return s, nil
}

// Receive validates ev and appends it to the buffer. It never performs
// network I/O; it waits only while the buffer is at max_buffered_events.
func (s *Shipper) Receive(ev types.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("shipper: receive: %w", err)
	}
	if err := s.enc.Check(ev); err != nil {
		return fmt.Errorf("shipper: receive: %w", err)
	}
	if err := s.buf.Add(ev); err != nil {
		if errors.Is(err, buffer.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	s.received.Add(1)
	s.metrics.EventsReceived.Inc()
	s.metrics.Buffered.Set(float64(s.buf.Len()))
	return nil
}

// Flush asks the worker to send everything currently buffered, even below
// flush_size, and waits until it is acknowledged or ctx ends.
func (s *Shipper) Flush(ctx context.Context) error {
	req := make(chan struct{})
	select {
	case s.flushReq <- req:
	case <-s.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down with the configured shutdown_timeout; zero waits until
// everything buffered has been acknowledged.
func (s *Shipper) Close() error {
	ctx := context.Background()
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.Shutdown(ctx)
}

// Shutdown drains the buffer and waits for the worker until ctx ends. It
// wakes a reconnect backoff sleep but never interrupts a write or an ack wait
// in progress. If ctx ends first the connection is closed, the worker is
// stopped and the result is a *ShutdownTimeoutError.
// Only the first call does any work; later calls return its result.
func (s *Shipper) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Shipper) shutdown(ctx context.Context) error {
	s.log.Info("shipper: shutting down", "buffered", s.buf.Len())
	close(s.stopping)
	s.conn.Interrupt()

	var err error
	select {
	case <-s.done:
	case <-ctx.Done():
		s.abort()
		s.buf.Close()
		// Closing the connection fails a blocked write or ack read, so the
		// worker exits and releases its socket before Shutdown returns.
		s.conn.Close()
		select {
		case <-s.done:
		case <-time.After(abortGrace):
			s.log.Warn("shipper: worker still running after abort", "grace", abortGrace)
		}
		err = &ShutdownTimeoutError{Undelivered: s.undelivered(), Err: ctx.Err()}
		s.log.Error("shipper: shutdown deadline expired", "undelivered", s.undelivered())
	}

	s.dropMu.Lock()
	err = multierr.Append(err, s.dropErr)
	s.dropMu.Unlock()

	if err == nil {
		s.log.Info("shipper: shutdown complete",
			"acked", s.metrics.Value(metrics.EventsAcked))
	}
	return err
}

// State reports where the worker is in its send cycle.
func (s *Shipper) State() State { return State(s.state.Load()) }

// Metrics returns the instruments the shipper records into.
func (s *Shipper) Metrics() *metrics.Metrics { return s.metrics }

// Buffered reports the events waiting in the buffer.
func (s *Shipper) Buffered() int { return s.buf.Len() }

func (s *Shipper) undelivered() int {
	return int(s.received.Load() - s.settled.Load())
}

func (s *Shipper) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("shipper: state", "from", prev.String(), "to", st.String())
	}
}
