package shipper

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/multierr"

	"github.com/obsidianstack/lumberjack/agent/internal/conn"
	"github.com/obsidianstack/lumberjack/agent/internal/metrics"
	"github.com/obsidianstack/lumberjack/pkg/protocol"
	"github.com/obsidianstack/lumberjack/pkg/types"
)

// run is the delivery worker. It owns the connection and the pending window;
// nothing else performs network I/O.
func (s *Shipper) run(ctx context.Context) {
	defer close(s.done)
	defer s.conn.Close()
	defer s.setState(Stopped)

	ticker := s.clock.Ticker(s.cfg.IdleFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopping:
			s.drain(ctx)
			return

		case <-s.buf.Ready():
			for batch := s.take(false); batch != nil; batch = s.take(false) {
				if err := s.deliver(ctx, batch); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := s.deliver(ctx, s.take(true)); err != nil {
				return
			}

		case req := <-s.flushReq:
			n := s.buf.Len()
			for n > 0 {
				batch := s.take(true)
				if batch == nil {
					break
				}
				n -= len(batch)
				if err := s.deliver(ctx, batch); err != nil {
					return
				}
			}
			close(req)
		}
	}
}

// drain delivers what is left in the buffer and seals it once empty.
func (s *Shipper) drain(ctx context.Context) {
	s.log.Info("shipper: draining buffer", "buffered", s.buf.Len())
	for {
		batch := s.buf.Drain()
		s.metrics.Buffered.Set(float64(s.buf.Len()))
		if batch == nil {
			return
		}
		if err := s.deliver(ctx, batch); err != nil {
			return
		}
	}
}

func (s *Shipper) take(force bool) []types.Event {
	batch := s.buf.Flush(force)
	if batch != nil {
		s.metrics.Buffered.Set(float64(s.buf.Len()))
	}
	return batch
}

// deliver sends events until every one of them is acknowledged. It retries
// without limit and returns only ctx's error, when the shutdown deadline
// expires.
func (s *Shipper) deliver(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	var w pendingWindow
	w.set(events)
	s.metrics.Pending.Set(float64(w.len()))
	defer s.metrics.Pending.Set(0)

	resend := false
	for w.len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(Connecting)
		if err := s.conn.Connect(ctx); err != nil {
			return err
		}

		first, err := s.conn.Allocate(w.len())
		if errors.Is(err, conn.ErrSequenceExhausted) {
			s.log.Info("shipper: sequence space exhausted, starting a new session",
				"session", sessionID(s.conn))
			s.conn.Disconnect()
			continue
		}
		if err != nil {
			s.fail(ctx, &w, err)
			resend = true
			continue
		}
		w.first = first

		frame, err := s.enc.Encode(first, w.events)
		if err != nil {
			if s.dropUnencodable(&w) == 0 {
				s.drop(&w, err)
				return nil
			}
			continue
		}

		s.setState(Sending)
		if resend {
			s.metrics.EventsResent.Add(float64(w.len()))
		}
		sentAt := s.clock.Now()
		if err := s.conn.Send(frame); err != nil {
			s.fail(ctx, &w, err)
			resend = true
			continue
		}
		s.metrics.BatchesSent.Inc()
		s.log.Debug("shipper: window sent", "window", w.String(), "bytes", len(frame))

		s.setState(AwaitingAck)
		res, err := s.awaitAck(&w)
		if err != nil {
			s.fail(ctx, &w, err)
			resend = true
			continue
		}

		if res == ackFull {
			s.metrics.AckLatency.Observe(s.clock.Since(sentAt).Seconds())
			s.conn.ResetBackoff()
			s.setState(Acked)
			break
		}

		// Partial ack: the collector stopped part-way. Send the rest again now,
		// on the same connection, under fresh sequence numbers.
		s.log.Info("shipper: partial ack, resending remainder",
			"remaining", w.len())
		resend = true
	}

	s.setState(Idle)
	return nil
}

// awaitAck reads acks until one falls inside the window. Stale acks are
// skipped; an ack past the end of the window is a protocol violation.
func (s *Shipper) awaitAck(w *pendingWindow) (ackResult, error) {
	for {
		ack, err := s.conn.ReadAck(s.cfg.AckTimeout)
		if err != nil {
			return 0, err
		}
		if ack.Version != s.enc.Version() {
			s.conn.Disconnect()
			return 0, &protocol.Error{Op: "ack", Msg: fmt.Sprintf("version %q does not match %q", ack.Version, s.enc.Version())}
		}

		window := w.String()
		res, n := w.ack(ack.Sequence)
		switch res {
		case ackStale:
			s.log.Debug("shipper: ignoring stale ack", "seq", ack.Sequence, "window", window)
			continue
		case ackBeyond:
			s.conn.Disconnect()
			return 0, &protocol.Error{Op: "ack", Msg: fmt.Sprintf("sequence %d is beyond window %s", ack.Sequence, window)}
		}

		s.settled.Add(int64(n))
		s.metrics.EventsAcked.Add(float64(n))
		s.metrics.Pending.Set(float64(w.len()))
		return res, nil
	}
}

// fail records a delivery failure, drops the connection and waits out the
// backoff before the caller reconnects and resends the whole window.
func (s *Shipper) fail(ctx context.Context, w *pendingWindow, err error) {
	s.setState(Failed)
	s.conn.Disconnect()

	reason := failureReason(err)
	s.metrics.DeliveryFailures.WithLabelValues(reason).Inc()
	s.log.Warn("shipper: delivery failed, will resend",
		"reason", reason,
		"err", err,
		"pending", w.len())

	if err := s.conn.Wait(ctx); err != nil {
		s.log.Debug("shipper: backoff cut short", "err", err)
	}
}

// dropUnencodable removes the events that cannot be framed from w, keeping
// the order of the rest, and returns how many it removed.
func (s *Shipper) dropUnencodable(w *pendingWindow) int {
	kept := w.events[:0:0]
	var dropped int
	for _, ev := range w.events {
		if err := s.enc.Check(ev); err != nil {
			s.settled.Add(1)
			dropped++
			s.log.Error("shipper: dropping unencodable event", "err", err)
			s.recordDrop(fmt.Errorf("dropped 1 event: %w", err))
			continue
		}
		kept = append(kept, ev)
	}
	if dropped > 0 {
		w.set(kept)
		s.metrics.Pending.Set(float64(w.len()))
	}
	return dropped
}

// drop abandons a window that can never be encoded.
func (s *Shipper) drop(w *pendingWindow, err error) {
	n := w.len()
	s.settled.Add(int64(n))
	s.log.Error("shipper: dropping unencodable window", "events", n, "err", err)
	s.recordDrop(fmt.Errorf("dropped %d events: %w", n, err))
	s.setState(Idle)
}

func (s *Shipper) recordDrop(err error) {
	s.dropMu.Lock()
	s.dropErr = multierr.Append(s.dropErr, err)
	s.dropMu.Unlock()
}

func failureReason(err error) string {
	var te *conn.TimeoutError
	var ne net.Error
	switch {
	case errors.As(err, &te), errors.As(err, &ne) && ne.Timeout():
		return metrics.ReasonTimeout
	case protocol.IsProtocolError(err):
		return metrics.ReasonProtocol
	}
	return metrics.ReasonConnection
}

func sessionID(m *conn.Manager) string {
	if sess := m.Session(); sess != nil {
		return sess.ID
	}
	return ""
}
