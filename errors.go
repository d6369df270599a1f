package aio

import (
	"errors"
	"syscall"
)

var (
	ErrLoopClosed  = errors.New("loop: already closed")
	ErrDeadlock    = errors.New("loop: every task is suspended and nothing can wake them")
	ErrUnsupported = errors.New("loop: no poller implementation for this platform")

	// ErrCanceled is delivered to a task at a suspension point after
	// `Task.Cancel`. It is never produced for any other reason, so callers
	// can reliably tell cancellation apart from I/O failures.
	ErrCanceled = errors.New("task: canceled")

	// ErrUnexpectedEOF is returned by `Stream.ReadExactly` when the peer
	// closes before the requested byte count is satisfied.
	ErrUnexpectedEOF = errors.New("stream: peer closed before expected byte count")

	ErrInvalidAddr = errors.New("socket: the address you provided is invalid")

	// ErrAgain reports that a non-blocking socket call found no pending
	// data or no buffer space. It wraps syscall.EAGAIN so both spellings
	// work with errors.Is.
	ErrAgain error = &againError{}
)

type againError struct{}

func (*againError) Error() string { return "socket: operation would block" }

func (*againError) Is(target error) bool {
	return target == syscall.EAGAIN || target == syscall.EWOULDBLOCK
}

func (*againError) Unwrap() error { return syscall.EAGAIN }
