// Package protocol encodes and decodes lumberjack frames.
//
// Every frame starts with a version byte and a type byte; integers are
// big-endian uint32:
//
//	W  window:     version 'W' count
//	D  data (v1):  version 'D' seq pairs { keylen key vallen val }...
//	J  data (v2):  version 'J' seq len json-object
//	C  compressed: version 'C' len zlib(frames...)
//	A  ack:        version 'A' seq
//
// The client writes one window frame followed by one data frame per event
// (optionally wrapped in a single compressed frame) and reads ack frames. An
// ack for sequence N acknowledges every sequence <= N in the current
// connection session.
//
// Encoder is used by the shipper; Decoder and EncodeAck by the collector.
package protocol
