//go:build linux

package aio

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoHandler reads lines and writes them back until the peer goes away.
func echoHandler(r *Stream, w *Stream) error {
	defer w.Close()
	for {
		line, err := r.ReadLine()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		if err := w.AWrite(line); err != nil {
			return err
		}
	}
}

func TestServerEchoRoundTrip(t *testing.T) {
	l := newTestLoop(t)

	var reply []byte
	var peername any
	err := l.Run(func() error {
		srv, err := l.StartServer(func(r, w *Stream) error {
			peername = r.ExtraInfo("peername")
			return echoHandler(r, w)
		}, "127.0.0.1", 0)
		if err != nil {
			return err
		}

		addr := srv.Addr().(*net.TCPAddr)
		conn, err := l.OpenConnection("127.0.0.1", addr.Port)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.AWrite([]byte("ping\n")); err != nil {
			return err
		}
		reply, err = conn.ReadExactly(5)
		if err != nil {
			return err
		}

		srv.Close()
		return srv.WaitClosed()
	})
	require.NoError(t, err)
	require.Equal(t, []byte("ping\n"), reply)
	require.IsType(t, &net.TCPAddr{}, peername, "accepted streams carry the peer address")
}

// flakySock injects accept failures without touching the pending
// connection, which stays queued for the next attempt.
type flakySock struct {
	Socket
	failures int
}

func (s *flakySock) Accept() (Socket, net.Addr, error) {
	if s.failures > 0 {
		s.failures--
		return nil, nil, errors.New("injected accept failure")
	}
	return s.Socket.Accept()
}

func TestAcceptFailureIsNotFatal(t *testing.T) {
	l := newTestLoop(t)

	accepted := 0
	err := l.Run(func() error {
		sock, addr, err := bindListener("127.0.0.1", 0, 5)
		if err != nil {
			return err
		}
		flaky := &flakySock{Socket: sock, failures: 1}

		supervisor := l.Spawn(func() error {
			return l.serve(flaky, func(r, w *Stream) error {
				accepted++
				return w.Close()
			}, nil)
		})

		conn, err := l.OpenConnection("127.0.0.1", addr.Port)
		if err != nil {
			return err
		}
		defer conn.Close()

		// The injected failure eats the first accept attempt; the
		// connection is still served by the next one.
		if _, err := conn.Read(-1); err != nil {
			return err
		}

		supervisor.Cancel()
		// Cancellation is intercepted by the accept loop and turned
		// into a clean shutdown.
		return supervisor.Join()
	})
	require.NoError(t, err)
	require.Equal(t, 1, accepted, "the listener must survive a failed accept")
}

func TestServerCloseStopsAccepting(t *testing.T) {
	l := newTestLoop(t)

	handled := 0
	err := l.Run(func() error {
		srv, err := l.StartServer(func(r, w *Stream) error {
			handled++
			return w.Close()
		}, "127.0.0.1", 0)
		if err != nil {
			return err
		}
		addr := srv.Addr().(*net.TCPAddr)

		srv.Close()
		if err := srv.WaitClosed(); err != nil {
			return err
		}
		// Idempotent, including after the supervisor is gone.
		srv.Close()
		if err := srv.WaitClosed(); err != nil {
			return err
		}

		// The listening socket is closed: a fresh connect must not be
		// served. The failure surfaces on first use of the stream.
		conn, err := l.OpenConnection("127.0.0.1", addr.Port)
		if err != nil {
			return nil
		}
		defer conn.Close()
		if _, err := conn.ReadExactly(1); err == nil {
			return errors.New("expected a connection failure after server close")
		}
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, handled, "no handler may be spawned after shutdown")
}

func TestRunServerOwnsItsGroup(t *testing.T) {
	l := newTestLoop(t)

	done := false
	err := l.Run(func() error {
		supervisor := l.Spawn(func() error {
			return l.RunServer(func(r, w *Stream) error {
				// Simulate slow per-connection work; RunServer must
				// wait for it after the accept loop stops.
				if err := l.Sleep(10 * time.Millisecond); err != nil {
					return err
				}
				done = true
				return w.Close()
			}, "127.0.0.1", 34219)
		})

		if err := l.Sleep(time.Millisecond); err != nil {
			return err
		}
		conn, err := l.OpenConnection("127.0.0.1", 34219)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := l.Sleep(time.Millisecond); err != nil {
			return err
		}

		supervisor.Cancel()
		return supervisor.Join()
	})
	require.NoError(t, err)
	require.True(t, done, "an owned group joins in-flight handlers before returning")
}

func TestRunServerExternalGroup(t *testing.T) {
	l := newTestLoop(t)

	err := l.Run(func() error {
		tg := l.NewGroup()
		supervisor := l.Spawn(func() error {
			return l.RunServer(func(r, w *Stream) error {
				return l.Sleep(time.Hour)
			}, "127.0.0.1", 34220, WithGroup(tg), WithBacklog(16))
		})

		if err := l.Sleep(time.Millisecond); err != nil {
			return err
		}
		conn, err := l.OpenConnection("127.0.0.1", 34220)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := l.Sleep(time.Millisecond); err != nil {
			return err
		}

		// Stopping the accept loop does not touch handlers tracked by
		// an externally supplied group; the caller shuts them down.
		supervisor.Cancel()
		if err := supervisor.Join(); err != nil {
			return err
		}

		tg.CancelAll()
		return tg.JoinAll()
	})
	require.NoError(t, err)
}
