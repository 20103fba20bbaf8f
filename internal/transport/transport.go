// Package transport abstracts the physical link to a device. The drivers
// depend only on this narrow contract, never on USB/serial library
// specifics; the concrete implementations here are the serial-over-TCP
// bridge used in production and a scripted endpoint for tests and block-file
// decoding.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned once the transport has been disconnected.
var ErrClosed = errors.New("transport: closed")

// Transport is the link a DeviceSession exclusively owns. Read blocks until
// a chunk arrives or ctx expires; every wait must be bounded by the caller's
// deadline.
type Transport interface {
	Write(ctx context.Context, p []byte) error
	Read(ctx context.Context) ([]byte, error)
	// Flush drops any buffered input. Some protocols require flushing the
	// whole input queue to resynchronize after a CRC failure.
	Flush() error
	Disconnect() error
}
