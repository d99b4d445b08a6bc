// Package sockpool maintains pre-opened TCP sockets so spliced
// connections can be established with one fewer syscall on the hot
// path. Grounded on original_source/tcp_splice.c's
// init_sock_pool4/init_sock_pool6/ns_sock_pool4/ns_sock_pool6 arrays,
// generalized from the teacher's single-slot warm-standby idiom
// (warm_standby.go's standbyTCP) to an N-slot ring.
package sockpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Size is the number of pre-opened sockets kept per pool.
const Size = 8

// Pool is a fixed-capacity ring of pre-opened, unconnected TCP
// sockets for one (direction, IP version) combination.
type Pool struct {
	v6     bool
	mark   uint32
	socks  []int
}

// New creates an empty pool for the given IP version. mark, if
// non-zero, is applied via SO_MARK to every socket the pool opens
// (the same one-line fwmark idiom the teacher applied to its
// WebSocket dialer, re-homed here onto pool socket creation).
func New(v6 bool, mark uint32) *Pool {
	return &Pool{v6: v6, mark: mark, socks: make([]int, 0, Size)}
}

func (p *Pool) open() (int, error) {
	domain := unix.AF_INET
	if p.v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("sockpool: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_TCP, unix.TCP_QUICKACK, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockpool: TCP_QUICKACK: %w", err)
	}
	if p.mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(p.mark)); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("sockpool: SO_MARK=%d: %w", p.mark, err)
		}
	}
	return fd, nil
}

// Refill tops the pool up to Size, best-effort.
func (p *Pool) Refill() {
	for len(p.socks) < Size {
		fd, err := p.open()
		if err != nil {
			return
		}
		p.socks = append(p.socks, fd)
	}
}

// Take removes a socket from the pool, opening a fresh one if the
// pool is empty.
func (p *Pool) Take() (int, error) {
	if n := len(p.socks); n > 0 {
		fd := p.socks[n-1]
		p.socks = p.socks[:n-1]
		return fd, nil
	}
	return p.open()
}

// Close closes every socket still held by the pool.
func (p *Pool) Close() {
	for _, fd := range p.socks {
		unix.Close(fd)
	}
	p.socks = p.socks[:0]
}
