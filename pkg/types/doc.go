// Package types defines the event model shared by the shipper and the
// collector. An Event is an immutable, ordered list of key/value pairs whose
// values are a closed union: string, number or nested map. Every event carries
// a "message" key.
//
// Events are built with New and extended with With, which returns a copy:
//
//	ev := types.New("disk full", types.F("host", types.String("db-1")))
//	ev = ev.With("usage", types.Number(0.97))
//
// Flatten produces the dotted key/value pairs used by protocol version 1;
// MarshalJSON and UnmarshalJSON preserve field order for version 2.
package types
