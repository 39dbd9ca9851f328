package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/lumberjack/pkg/protocol"
	"github.com/obsidianstack/lumberjack/pkg/types"
)

// ErrReject makes the collector stop accepting the current window and send a
// partial ack for what it already accepted.
var ErrReject = errors.New("receiver: reject rest of window")

// Handler processes one decoded event.
type Handler func(ctx context.Context, seq uint32, ev types.Event) error

// Option configures a Receiver.
type Option func(*Receiver)

// WithAckDelay waits d before writing each ack.
func WithAckDelay(d time.Duration) Option {
	return func(r *Receiver) { r.ackDelay = d }
}

// WithIdleTimeout closes connections that send nothing for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Receiver) { r.idleTimeout = d }
}

// Stats counts collector activity since start.
type Stats struct {
	Connections int64
	Windows     int64
	Events      int64
	Acks        int64
	Drops       int64
}

// Receiver accepts lumberjack connections.
type Receiver struct {
	tlsCfg      *tls.Config
	handler     Handler
	ackDelay    time.Duration
	idleTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connections atomic.Int64
	windows     atomic.Int64
	events      atomic.Int64
	acks        atomic.Int64
	drops       atomic.Int64
}

// New creates a Receiver that terminates TLS with tlsCfg and passes events to h.
func New(tlsCfg *tls.Config, h Handler, opts ...Option) *Receiver {
	r := &Receiver{
		tlsCfg:  tlsCfg,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Listen binds addr (host:port, port 0 picks a free one).
func (r *Receiver) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("receiver: listen %s: %w", addr, err)
	}
	r.mu.Lock()
	r.ln = tls.NewListener(lis, r.tlsCfg)
	r.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Port returns the bound TCP port, or 0 before Listen.
func (r *Receiver) Port() int {
	if a, ok := r.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (r *Receiver) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.ln
	if ln == nil {
		r.mu.Unlock()
		return errors.New("receiver: Serve called before Listen")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("receiver: listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receiver: accept: %w", err)
		}
		if !r.track(conn) {
			conn.Close()
			return nil
		}
		r.connections.Add(1)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.untrack(conn)
			r.handle(ctx, conn)
		}()
	}
}

// Start listens on addr and serves in a background goroutine.
func (r *Receiver) Start(ctx context.Context, addr string) error {
	if err := r.Listen(addr); err != nil {
		return err
	}
	go func() {
		if err := r.Serve(ctx); err != nil {
			slog.Error("receiver: serve stopped", "err", err)
		}
	}()
	return nil
}

// DropConnections closes every live connection without acks.
func (r *Receiver) DropConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.Close()
	}
	return len(r.conns)
}

// Close stops accepting, drops live connections and waits for handlers.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	var err error
	if r.ln != nil {
		err = r.ln.Close()
	}
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Stats returns a snapshot of the counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Connections: r.connections.Load(),
		Windows:     r.windows.Load(),
		Events:      r.events.Load(),
		Acks:        r.acks.Load(),
		Drops:       r.drops.Load(),
	}
}

func (r *Receiver) track(c net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

func (r *Receiver) untrack(c net.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
	c.Close()
}

// handle serves one connection: window, data frames, ack, repeat.
func (r *Receiver) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	dec := protocol.NewDecoder(conn)

	for {
		f, err := r.next(conn, dec)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("receiver: connection read failed", "remote", remote, "err", err)
			}
			return
		}
		if f.Type != protocol.TypeWindow {
			slog.Warn("receiver: expected window frame", "remote", remote, "type", string(f.Type))
			return
		}
		r.windows.Add(1)

		var (
			lastSeq  uint32
			accepted int
			rejected bool
		)
		for i := uint32(0); i < f.Count; i++ {
			df, err := r.next(conn, dec)
			if err != nil {
				slog.Debug("receiver: window cut short", "remote", remote, "read", i, "want", f.Count, "err", err)
				return
			}
			if df.Type != protocol.TypeData && df.Type != protocol.TypeJSON {
				slog.Warn("receiver: expected data frame", "remote", remote, "type", string(df.Type))
				return
			}
			if rejected {
				continue
			}
			if err := r.handler(ctx, df.Sequence, df.Event); err != nil {
				if errors.Is(err, ErrReject) {
					rejected = true
					continue
				}
				r.drops.Add(1)
				slog.Debug("receiver: handler failed, dropping connection",
					"remote", remote, "seq", df.Sequence, "err", err)
				return
			}
			r.events.Add(1)
			lastSeq = df.Sequence
			accepted++
		}

		if accepted == 0 {
			// Nothing to acknowledge; the client times out and resends.
			continue
		}
		if r.ackDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.ackDelay):
			}
		}
		if _, err := conn.Write(protocol.EncodeAck(f.Version, lastSeq)); err != nil {
			slog.Debug("receiver: ack write failed", "remote", remote, "err", err)
			return
		}
		r.acks.Add(1)
	}
}

func (r *Receiver) next(conn net.Conn, dec *protocol.Decoder) (protocol.Frame, error) {
	if r.idleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(r.idleTimeout))
	}
	return dec.Next()
}
