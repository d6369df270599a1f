//go:build linux

package aio

import (
	"bytes"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// sockFD is the raw-descriptor Socket implementation. The descriptor is
// created (or put) in non-blocking mode, so every call returns
// immediately; readiness is the loop's business.
type sockFD struct {
	fd     int
	closed bool
}

func newTCPSocket(ip net.IP) (*sockFD, error) {
	family := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create: %w", err)
	}
	return &sockFD{fd: fd}, nil
}

// listenSocket builds a bound, listening, non-blocking socket. Binding
// and listening are synchronous: the cost is accepted, these calls do
// not actually block on the network.
func listenSocket(laddr *net.TCPAddr, backlog int) (*sockFD, *net.TCPAddr, error) {
	s, err := newTCPSocket(laddr.IP)
	if err != nil {
		return nil, nil, err
	}

	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("socket: setsockopt: %w", err)
	}

	sa, err := tcpSockaddr(laddr)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("socket: bind %s: %w", laddr, err)
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("socket: listen: %w", err)
	}

	bound, err := unix.Getsockname(s.fd)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("socket: getsockname: %w", err)
	}
	tcp, _ := sockaddrToAddr(bound).(*net.TCPAddr)
	return s, tcp, nil
}

func (s *sockFD) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, ErrAgain
		}
		return 0, fmt.Errorf("socket: read: %w", err)
	}
	return n, nil
}

func (s *sockFD) Readline() ([]byte, error) {
	var peek [512]byte
	n, _, err := unix.Recvfrom(s.fd, peek[:], unix.MSG_PEEK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil, ErrAgain
		}
		return nil, fmt.Errorf("socket: readline: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	take := n
	if i := bytes.IndexByte(peek[:n], '\n'); i >= 0 {
		take = i + 1
	}

	// The peeked bytes are still queued and nobody else consumes this
	// side, so the read below cannot come up short.
	buf := make([]byte, take)
	m, err := unix.Read(s.fd, buf)
	if err != nil {
		return nil, fmt.Errorf("socket: readline: %w", err)
	}
	return buf[:m], nil
}

func (s *sockFD) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, ErrAgain
		}
		return 0, fmt.Errorf("socket: write: %w", err)
	}
	return n, nil
}

func (s *sockFD) Accept() (Socket, net.Addr, error) {
	nfd, sa, err := unix.Accept(s.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil, ErrAgain
		}
		return nil, nil, fmt.Errorf("socket: accept: %w", err)
	}
	return &sockFD{fd: nfd}, sockaddrToAddr(sa), nil
}

func (s *sockFD) Connect(addr *net.TCPAddr) error {
	sa, err := tcpSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Connect(s.fd, sa); err != nil {
		return fmt.Errorf("socket: connect %s: %w", addr, err)
	}
	return nil
}

func (s *sockFD) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	unix.Close(s.fd)
	return nil
}

func (s *sockFD) SetNonblock(enable bool) error {
	return unix.SetNonblock(s.fd, enable)
}

func (s *sockFD) Fd() uintptr {
	return uintptr(s.fd)
}

func tcpSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	ip := addr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip16)
		return sa, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, addr)
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	default:
		return nil
	}
}
