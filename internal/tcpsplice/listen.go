package tcpsplice

import (
	"fmt"

	"golang.org/x/sys/unix"

	"passt-connector/internal/evloop"
)

// Listen opens a non-blocking listening socket on listenPort and
// registers it with the event loop, tagged so Dispatch routes accepts
// to destPort through outbound (or inbound) pooled sockets (spec.md
// 4.2.5, 6: "port mapping" configuration input).
func (t *Table) Listen(v6 bool, listenPort, destPort uint32, outbound bool) error {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("tcpsplice: listen socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if v6 {
		sa := &unix.SockaddrInet6{Port: int(listenPort)}
		err = unix.Bind(fd, sa)
	} else {
		sa := &unix.SockaddrInet4{Port: int(listenPort)}
		err = unix.Bind(fd, sa)
	}
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpsplice: bind :%d: %w", listenPort, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpsplice: listen :%d: %w", listenPort, err)
	}

	ref := evloop.NewTCPListenRef(fd, v6, outbound, destPort)
	if err := t.Loop.Add(fd, unix.EPOLLIN, ref); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpsplice: epoll add listener: %w", err)
	}
	return nil
}
