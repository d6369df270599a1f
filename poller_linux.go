//go:build linux

package aio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance. It is level-triggered on purpose: a
// woken task re-attempts its socket call and, on EAGAIN, simply arms the
// descriptor again.
type poller struct {
	epfd      int
	interests map[int]uint32
}

type pollEvent struct {
	fd       int
	readable bool
	writable bool
	hup      bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &poller{
		epfd:      epfd,
		interests: make(map[int]uint32),
	}, nil
}

func (p *poller) arm(fd int, read, write bool) error {
	var want uint32
	if read {
		want |= unix.EPOLLIN
	}
	if write {
		want |= unix.EPOLLOUT
	}
	if want == 0 {
		return p.disarm(fd)
	}

	old, registered := p.interests[fd]
	if registered && old == want {
		return nil
	}

	op := unix.EPOLL_CTL_ADD
	if registered {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: want, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl: %w", err)
	}
	p.interests[fd] = want
	return nil
}

func (p *poller) disarm(fd int) error {
	if _, registered := p.interests[fd]; !registered {
		return nil
	}
	delete(p.interests, fd)
	// The descriptor may already be closed, in which case the kernel
	// dropped the registration for us.
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil &&
		err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("poller: epoll_ctl del: %w", err)
	}
	return nil
}

// wait blocks for at most timeoutMs (-1 blocks indefinitely) and returns
// the readiness events observed. An interrupting signal yields an empty
// result rather than an error.
func (p *poller) wait(timeoutMs int) ([]pollEvent, error) {
	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poller: epoll_wait: %w", err)
	}

	out := make([]pollEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := events[i]
		out = append(out, pollEvent{
			fd:       int(ev.Fd),
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			hup:      ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
