// Package buffer holds events between Receive and the delivery worker.
//
// Producers append under a short lock and never touch the network. The worker
// detaches batches of at most flush_size events from the front. When the
// buffer reaches its capacity, Add waits for the worker to make room.
package buffer
