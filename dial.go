package aio

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// OpenConnection establishes an outbound TCP connection and returns the
// Stream over it; the one instance serves as both reader and writer.
//
// Name resolution happens synchronously and may block the thread; that
// is a documented limitation of the resolver, not something this layer
// re-engineers. The connect itself is non-blocking: the expected
// "operation in progress" result is swallowed and the task suspends once
// until the socket reports writability, which signals completion.
func (l *Loop) OpenConnection(host string, port int) (*Stream, error) {
	raddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		l.countDialError("resolve")
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	sock, err := newTCPSocket(raddr.IP)
	if err != nil {
		l.countDialError("socket")
		return nil, err
	}

	st := NewStream(l, sock)
	if err := sock.Connect(raddr); err != nil && !errors.Is(err, syscall.EINPROGRESS) {
		sock.Close()
		l.countDialError("connect")
		return nil, err
	}

	// Writability signals that the connect finished, successfully or
	// not; a failed connect surfaces from the first read or write.
	if err := l.WaitWritable(sock); err != nil {
		sock.Close()
		return nil, err
	}

	l.msink.IncrCounterWithLabels(
		MetricAioConnEstOutCount,
		1,
		append(l.mlabels, LabelPeerAddr.M(raddr.String())),
	)
	return st, nil
}

func (l *Loop) countDialError(kind string) {
	l.msink.IncrCounterWithLabels(
		MetricAioConnEstOutErrCount,
		1,
		append(l.mlabels, LabelError.M(kind)),
	)
}
