// Package receiver implements a lumberjack collector: a TLS listener that
// decodes window and data frames, hands each event to a Handler and writes a
// cumulative ack after every window.
//
// The Handler controls failure behaviour, which makes the collector usable as
// a fault-injecting peer in tests:
//   - nil error accepts the event
//   - ErrReject accepts nothing further from the current window; the
//     collector acks the last accepted sequence (a partial ack)
//   - any other error drops the connection without an ack, as a crash would
//
// DropConnections closes every live connection at once; WithAckDelay holds
// acks back to exercise client read timeouts.
package receiver
