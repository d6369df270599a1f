//go:build !linux

package aio

import (
	"net"
)

func newTCPSocket(ip net.IP) (Socket, error) { return nil, ErrUnsupported }

func listenSocket(laddr *net.TCPAddr, backlog int) (Socket, *net.TCPAddr, error) {
	return nil, nil, ErrUnsupported
}
