package aio

import (
	"net"
)

// Socket is the non-blocking handle the loop and streams operate on. The
// production implementation wraps a raw TCP file descriptor; tests are
// free to substitute their own (typically to inject faults) as long as
// Fd() returns something the poller can watch.
//
// Conventions:
//   - A call that cannot make progress returns an error matching
//     ErrAgain; it never blocks the thread.
//   - Read returning (0, nil) with a non-empty buffer means the peer
//     closed its end (end of stream), mirroring read(2).
//   - Close is idempotent.
type Socket interface {
	Read(p []byte) (int, error)
	// Readline reads up to and including the next '\n' without ever
	// blocking; it may return less than a full line, and returns an
	// empty result at end of stream.
	Readline() ([]byte, error)
	Write(p []byte) (int, error)
	Accept() (Socket, net.Addr, error)
	Connect(addr *net.TCPAddr) error
	Close() error
	SetNonblock(enable bool) error
	Fd() uintptr
}
