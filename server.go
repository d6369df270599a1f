package aio

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Handler is the per-connection callback. Both arguments are the same
// Stream; two are passed to keep the reader/writer calling convention.
type Handler func(r *Stream, w *Stream) error

// Server is the handle returned by StartServer.
type Server struct {
	task *Task
	addr *net.TCPAddr
}

// Addr returns the actual bound address, which is how you learn the port
// after binding to port 0.
func (srv *Server) Addr() net.Addr {
	return srv.addr
}

// Close asks the supervisor task to shut down. The cancellation takes
// effect at the supervisor's next suspension point; follow with
// WaitClosed to observe it.
func (srv *Server) Close() {
	srv.task.Cancel()
}

// WaitClosed joins the supervisor task. It returns nil after a Close
// initiated shutdown and never fails on repeated calls.
func (srv *Server) WaitClosed() error {
	err := srv.task.Join()
	if errors.Is(err, ErrCanceled) {
		return nil
	}
	return err
}

// StartServer binds and listens synchronously, then spawns a supervisor
// task running the accept loop and returns its handle. Handler tasks are
// spawned detached unless WithGroup supplies a TaskGroup.
func (l *Loop) StartServer(h Handler, host string, port int, opts ...ServeOption) (*Server, error) {
	cfg := newServeConfig(opts)
	sock, addr, err := bindListener(host, port, cfg.backlog)
	if err != nil {
		return nil, err
	}

	l.logger.Info("listening", LabelLocal.L(addr))
	srv := &Server{addr: addr}
	srv.task = l.Spawn(func() error {
		return l.serve(sock, h, cfg.group)
	})
	return srv, nil
}

// RunServer runs the accept loop in the calling task. With WithGroup the
// handler tasks are tracked by the supplied group and left to the caller;
// otherwise RunServer owns a group and joins every handler after the
// accept loop exits. It returns after the task is cancelled.
func (l *Loop) RunServer(h Handler, host string, port int, opts ...ServeOption) error {
	cfg := newServeConfig(opts)
	sock, addr, err := bindListener(host, port, cfg.backlog)
	if err != nil {
		return err
	}
	l.logger.Info("listening", LabelLocal.L(addr))

	tg := cfg.group
	owned := tg == nil
	if owned {
		tg = l.NewGroup()
	}

	err = l.serve(sock, h, tg)
	if owned {
		if jerr := tg.JoinAll(); err == nil {
			err = jerr
		}
	}
	return err
}

// serve is the accept loop. It alternates between waiting for the
// listening socket to become readable and attempting one non-blocking
// accept. Cancellation while waiting is the only exit: it closes the
// listening socket and returns nil. A failed accept is never fatal.
func (l *Loop) serve(sock Socket, h Handler, tg *TaskGroup) error {
	logger := l.logger.With("component", "server")
	for {
		if err := l.WaitReadable(sock); err != nil {
			sock.Close()
			if errors.Is(err, ErrCanceled) {
				logger.Debug("accept loop shutting down")
				return nil
			}
			return err
		}

		conn, peer, err := sock.Accept()
		if err != nil {
			// Spurious wake-ups land here too; only count real errors.
			if !errors.Is(err, ErrAgain) {
				logger.Debug("ignoring failed accept", LabelError.L(err))
				l.msink.IncrCounterWithLabels(MetricAioAcceptErrorCount, 1, l.mlabels)
			}
			continue
		}

		conn.SetNonblock(true)
		st := NewStream(l, conn)
		st.extra["peername"] = peer
		l.msink.IncrCounterWithLabels(
			MetricAioAcceptCount,
			1,
			append(l.mlabels, LabelPeerAddr.M(peer.String())),
		)

		handler := func() error { return h(st, st) }
		if tg != nil {
			tg.Spawn(handler)
		} else {
			l.Spawn(handler)
		}
	}
}

func newServeConfig(opts []ServeOption) serveConfig {
	cfg := serveConfig{backlog: 5}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func bindListener(host string, port, backlog int) (Socket, *net.TCPAddr, error) {
	// Synchronous resolution, same documented limitation as
	// OpenConnection.
	laddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	return listenSocket(laddr, backlog)
}
