// Package shipper delivers events to a lumberjack collector with
// at-least-once semantics.
//
// Receive appends to a bounded buffer and never touches the network. A single
// worker goroutine pulls batches of up to flush_size events when the buffer
// reaches the threshold, when the idle flush interval elapses, or when Flush
// is called. Each batch is numbered with the current session's sequence
// numbers, written as one window and kept pending until the collector
// acknowledges its last sequence.
//
// A partial ack releases the acknowledged prefix and the remainder is sent
// again at once on the same connection. Timeouts, I/O errors and malformed
// acks drop the connection; after the backoff delay the worker reconnects to
// the next host and resends the whole remainder under fresh numbering.
// Retries never give up on their own.
//
// Close and Shutdown drain the buffer and wait for the worker. They wake a
// backoff sleep but never cut short a write or an ack wait. Once the
// shutdown deadline expires the connection is closed and the worker stopped
// before the call returns.
//
// Events that can never fit in a frame are refused by Receive.
package shipper
