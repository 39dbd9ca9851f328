package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/obsidianstack/lumberjack/agent/internal/config"
	"github.com/obsidianstack/lumberjack/pkg/protocol"
)

// State is the lifecycle state of the Manager's connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one successful connection. Sequence numbers restart at 1 for
// every session.
type Session struct {
	ID      string
	Addr    string
	Started time.Time

	next uint64 // sequence number of the next allocated event; MaxUint32+1 when exhausted
}

// Hooks observe connection attempts. Nil hooks are skipped.
type Hooks struct {
	Connected     func(addr string, reconnect bool)
	ConnectFailed func(addr string, err error)
}

// DialFunc opens a TLS connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for backoff sleeps.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger replaces the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithHooks installs connection observers.
func WithHooks(h Hooks) Option { return func(m *Manager) { m.hooks = h } }

// WithDialer replaces the TLS dialer.
func WithDialer(d DialFunc) Option { return func(m *Manager) { m.dial = d } }

// Manager holds at most one connection at a time. Connect, Send, ReadAck,
// Allocate and Wait are called by the delivery worker only; State, Session,
// Interrupt, Disconnect and Close are safe from any goroutine.
type Manager struct {
	addrs        []string
	tls          *tls.Config
	dialTimeout  time.Duration
	writeTimeout time.Duration

	backoff *Backoff
	clock   clock.Clock
	log     *slog.Logger
	hooks   Hooks
	dial    DialFunc

	state atomic.Int32

	mu        sync.Mutex
	conn      net.Conn
	session   *Session
	next      int // index into addrs of the next host to try
	sessions  int
	closed    bool
	closeOnce sync.Once
}

// New returns a disconnected Manager for out.Addresses(). tlsCfg supplies the
// trust roots and optional client certificate.
func New(out config.OutputConfig, tlsCfg *tls.Config, opts ...Option) *Manager {
	m := &Manager{
		addrs:        out.Addresses(),
		tls:          tlsCfg,
		dialTimeout:  out.DialTimeout,
		writeTimeout: out.WriteTimeout,
		clock:        clock.New(),
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.backoff = NewBackoff(out.Backoff, m.clock)
	if m.dial == nil {
		m.dial = m.dialTLS
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Session returns a copy of the current session, or nil when disconnected.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Backoff exposes the reconnect backoff for inspection.
func (m *Manager) Backoff() *Backoff { return m.backoff }

// Connect returns once a connection is established, trying hosts round-robin
// and sleeping with backoff between failures. It only gives up when ctx ends.
// Calling Connect while connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	if m.State() == Connected {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr := m.pick()
		m.setState(Connecting)
		c, err := m.dial(ctx, addr)
		if err == nil {
			m.open(addr, c)
			return nil
		}

		m.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := m.backoff.Next()
		m.log.Warn("conn: connect failed, will retry",
			"addr", addr,
			"err", err,
			"attempt", m.backoff.Attempts(),
			"retry_in", delay)
		if m.hooks.ConnectFailed != nil {
			m.hooks.ConnectFailed(addr, err)
		}
		if err := m.backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Allocate reserves n consecutive sequence numbers in the current session and
// returns the first one.
func (m *Manager) Allocate(n int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return 0, &ConnectionError{Op: "allocate", Err: ErrNotConnected}
	}
	if n < 1 {
		return 0, fmt.Errorf("conn: allocate %d sequence numbers", n)
	}
	first := m.session.next
	if first+uint64(n)-1 > math.MaxUint32 {
		return 0, ErrSequenceExhausted
	}
	m.session.next = first + uint64(n)
	return uint32(first), nil
}

// Send writes frame within the write timeout. Any failure disconnects.
func (m *Manager) Send(frame []byte) error {
	c, addr := m.current()
	if c == nil {
		return &ConnectionError{Op: "write", Err: ErrNotConnected}
	}

	if m.writeTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	}
	if _, err := c.Write(frame); err != nil {
		m.Disconnect()
		if isTimeout(err) {
			return &TimeoutError{Addr: addr, Op: "write", After: m.writeTimeout, Err: err}
		}
		return &ConnectionError{Addr: addr, Op: "write", Err: err}
	}
	return nil
}

// ReadAck waits up to timeout for one ack frame. Any failure disconnects.
func (m *Manager) ReadAck(timeout time.Duration) (protocol.Ack, error) {
	c, addr := m.current()
	if c == nil {
		return protocol.Ack{}, &ConnectionError{Op: "read ack", Err: ErrNotConnected}
	}

	_ = c.SetReadDeadline(time.Now().Add(timeout))
	ack, err := protocol.ReadAck(c)
	if err == nil {
		return ack, nil
	}

	m.Disconnect()
	switch {
	case isTimeout(err):
		return protocol.Ack{}, &TimeoutError{Addr: addr, Op: "read ack", After: timeout, Err: err}
	case protocol.IsProtocolError(err):
		return protocol.Ack{}, err
	case errors.Is(err, io.EOF):
		return protocol.Ack{}, &ConnectionError{Addr: addr, Op: "read ack", Err: fmt.Errorf("closed by peer: %w", err)}
	}
	return protocol.Ack{}, &ConnectionError{Addr: addr, Op: "read ack", Err: err}
}

// Wait sleeps for the next backoff delay. It is used after a send failure,
// before reconnecting. Interrupt wakes it early.
func (m *Manager) Wait(ctx context.Context) error {
	delay := m.backoff.Next()
	m.log.Info("conn: backing off before reconnect",
		"attempt", m.backoff.Attempts(),
		"retry_in", delay)
	return m.backoff.Sleep(ctx, delay)
}

// ResetBackoff returns the backoff to its initial delay.
func (m *Manager) ResetBackoff() { m.backoff.Reset() }

// Interrupt wakes an in-progress backoff sleep.
func (m *Manager) Interrupt() { m.backoff.Interrupt() }

// Disconnect closes the current connection, if any, and ends the session.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c, s := m.conn, m.session
	m.conn, m.session = nil, nil
	m.mu.Unlock()

	if m.State() != Closing {
		m.setState(Disconnected)
	}
	if c == nil {
		return
	}
	_ = c.Close()
	m.log.Debug("conn: disconnected", "addr", s.Addr, "session", s.ID)
}

// Close disconnects and marks the Manager as closing. A write or ack read in
// progress fails immediately, and a dial that completes afterwards is closed
// instead of opening a session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.setState(Closing)
		m.Disconnect()
	})
}

func (m *Manager) open(addr string, c net.Conn) {
	s := &Session{
		ID:      uuid.NewString(),
		Addr:    addr,
		Started: m.clock.Now(),
		next:    1,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Close()
		return
	}
	m.conn = c
	m.session = s
	m.sessions++
	reconnect := m.sessions > 1
	m.mu.Unlock()

	m.setState(Connected)
	m.log.Info("conn: connected", "addr", addr, "session", s.ID, "reconnect", reconnect)
	if m.hooks.Connected != nil {
		m.hooks.Connected(addr, reconnect)
	}
}

func (m *Manager) pick() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.addrs[m.next%len(m.addrs)]
	m.next = (m.next + 1) % len(m.addrs)
	return addr
}

func (m *Manager) current() (net.Conn, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil, ""
	}
	return m.conn, m.session.Addr
}

func (m *Manager) setState(s State) {
	if m.State() == Closing && s != Closing {
		return
	}
	m.state.Store(int32(s))
}

func (m *Manager) dialTLS(ctx context.Context, addr string) (net.Conn, error) {
	cfg := m.tls.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
		}
		cfg.ServerName = host
	}

	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: m.dialTimeout},
		Config:    cfg,
	}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
	}
	return c, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
