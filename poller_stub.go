//go:build !linux

package aio

// Stub so the package still compiles on platforms without an epoll
// poller; NewLoop fails with ErrUnsupported there.
type poller struct{}

type pollEvent struct {
	fd       int
	readable bool
	writable bool
	hup      bool
}

func newPoller() (*poller, error) { return nil, ErrUnsupported }

func (p *poller) arm(fd int, read, write bool) error { return ErrUnsupported }

func (p *poller) disarm(fd int) error { return ErrUnsupported }

func (p *poller) wait(timeoutMs int) ([]pollEvent, error) { return nil, ErrUnsupported }

func (p *poller) close() error { return nil }
