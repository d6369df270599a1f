package aio

import (
	"errors"
)

// Stream is a duplex blocking-style wrapper over one non-blocking
// Socket. The same instance serves as reader and writer. Read-side and
// write-side state are disjoint, so one task may read while another
// writes; two tasks using the same direction concurrently is undefined
// and must be avoided by the caller.
//
// None of the methods block the thread: they suspend the calling task on
// the loop instead.
type Stream struct {
	loop *Loop
	sock Socket

	// extra holds per-connection metadata such as "peername". Each
	// stream gets its own map at construction; handing several streams a
	// shared map invites aliasing bugs.
	extra map[string]any

	// outBuf holds bytes accepted by Write but not yet pushed to the
	// socket. It never contains bytes the socket already took.
	outBuf []byte
}

// NewStream wraps an already connected non-blocking socket. Most users
// get their streams from OpenConnection or an accept loop instead.
func NewStream(l *Loop, s Socket) *Stream {
	return &Stream{
		loop:  l,
		sock:  s,
		extra: make(map[string]any),
	}
}

// ExtraInfo returns per-connection metadata. For accepted connections
// the "peername" key holds the peer's address.
func (st *Stream) ExtraInfo(name string) any {
	return st.extra[name]
}

// Read reads from the stream.
//
// With n < 0 it accumulates everything until end of stream and returns
// the whole payload. With n >= 0 it suspends until the socket is
// readable and returns whatever a single read yields, possibly fewer
// than n bytes: this is deliberately "read up to n, return on first
// result", not ReadExactly. An empty result means end of stream.
func (st *Stream) Read(n int) ([]byte, error) {
	var r []byte
	for {
		if err := st.loop.WaitReadable(st.sock); err != nil {
			return nil, err
		}

		size := n
		if size < 0 {
			size = 4096
		}
		buf := make([]byte, size)
		m, err := st.sock.Read(buf)
		if errors.Is(err, ErrAgain) {
			continue
		}
		if err != nil {
			return nil, err
		}

		st.countIn(m)
		if n >= 0 {
			return buf[:m], nil
		}
		if m == 0 {
			return r, nil
		}
		r = append(r, buf[:m]...)
	}
}

// ReadInto performs a single suspend-then-read cycle into p and returns
// the count read, which may be zero at end of stream.
func (st *Stream) ReadInto(p []byte) (int, error) {
	for {
		if err := st.loop.WaitReadable(st.sock); err != nil {
			return 0, err
		}
		n, err := st.sock.Read(p)
		if errors.Is(err, ErrAgain) {
			continue
		}
		if err != nil {
			return 0, err
		}
		st.countIn(n)
		return n, nil
	}
}

// ReadExactly returns exactly n bytes, however the peer fragmented them.
// If the stream ends first it fails with ErrUnexpectedEOF, even when
// part of the payload already arrived. ReadExactly(0) succeeds
// immediately without suspending, including on an exhausted stream.
func (st *Stream) ReadExactly(n int) ([]byte, error) {
	r := make([]byte, 0, n)
	for n > 0 {
		if err := st.loop.WaitReadable(st.sock); err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		m, err := st.sock.Read(buf)
		if errors.Is(err, ErrAgain) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m == 0 {
			return nil, ErrUnexpectedEOF
		}
		st.countIn(m)
		r = append(r, buf[:m]...)
		n -= m
	}
	return r, nil
}

// ReadLine accumulates until the data ends with '\n' or the stream ends,
// in which case the unterminated remainder is returned.
func (st *Stream) ReadLine() ([]byte, error) {
	var line []byte
	for {
		if err := st.loop.WaitReadable(st.sock); err != nil {
			return nil, err
		}
		chunk, err := st.sock.Readline()
		if errors.Is(err, ErrAgain) {
			continue
		}
		if err != nil {
			return nil, err
		}
		st.countIn(len(chunk))
		line = append(line, chunk...)
		if len(chunk) == 0 || line[len(line)-1] == '\n' {
			return line, nil
		}
	}
}

// Write queues p for transmission and never suspends. When nothing is
// buffered yet it first tries one immediate non-blocking write; whatever
// the socket does not take (everything, on would-block) is appended to
// the output buffer, preserving call order across successive writes.
// Flushing the buffer is Drain's job.
func (st *Stream) Write(p []byte) error {
	if len(st.outBuf) == 0 {
		n, err := st.sock.Write(p)
		if err != nil && !errors.Is(err, ErrAgain) {
			return err
		}
		st.countOut(n)
		if n == len(p) {
			return nil
		}
		p = p[n:]
	}
	st.outBuf = append(st.outBuf, p...)
	return nil
}

// Drain flushes the output buffer. With an empty buffer it still yields
// exactly once, so a tight write-and-drain loop cannot starve the other
// tasks. Bytes queued by successive Write calls leave in call order.
func (st *Stream) Drain() error {
	buf := st.outBuf
	if len(buf) == 0 {
		return st.loop.Sleep(0)
	}
	st.outBuf = nil

	st.loop.msink.IncrCounterWithLabels(MetricAioStreamDrainCount, 1, st.loop.mlabels)
	off := 0
	for off < len(buf) {
		if err := st.loop.WaitWritable(st.sock); err != nil {
			return err
		}
		n, err := st.sock.Write(buf[off:])
		if errors.Is(err, ErrAgain) {
			continue
		}
		if err != nil {
			return err
		}
		st.countOut(n)
		off += n
	}
	return nil
}

// Close closes the underlying socket. Idempotent and infallible;
// callers that want a shutdown handshake follow it with WaitClosed.
func (st *Stream) Close() error {
	st.sock.Close()
	return nil
}

// WaitClosed also triggers (or confirms) the close. Idempotent.
func (st *Stream) WaitClosed() error {
	st.sock.Close()
	return nil
}

// Use runs fn with the stream and unconditionally closes the underlying
// socket when fn returns, however it returns.
func (st *Stream) Use(fn func(*Stream) error) error {
	defer st.Close()
	return fn(st)
}

func (st *Stream) countIn(n int) {
	if n > 0 {
		st.loop.msink.IncrCounterWithLabels(MetricAioStreamInBytes, float32(n), st.loop.mlabels)
	}
}

func (st *Stream) countOut(n int) {
	if n > 0 {
		st.loop.msink.IncrCounterWithLabels(MetricAioStreamOutBytes, float32(n), st.loop.mlabels)
	}
}
