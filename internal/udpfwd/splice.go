package udpfwd

import (
	"time"

	"golang.org/x/sys/unix"

	"passt-connector/internal/evloop"
)

// handleSpliceForward implements spec.md 4.3.3's forward direction:
// a datagram lands on one of the two PASTA loopback-bound sockets
// (UDP_TO_NS or UDP_TO_INIT). It is relayed to a lazily-created
// connected socket in the peer namespace, and the return path is
// registered so replies find their way back.
func (t *Table) handleSpliceForward(v6 bool, role evloop.UDPSplice, listenPort uint16, sock int) {
	vi := verIdx(v6)

	buf := make([]byte, 65536)
	n, from, err := unix.Recvfrom(sock, buf, 0)
	if err != nil {
		return
	}
	_, peerPort := sockaddrIP(from)
	src := t.Ports.Reverse(peerPort)
	dst := listenPort

	entry := &t.splice[vi][src]
	connSock := entry.InitConnSock
	inNS := role == evloop.UDPToNS
	if inNS {
		connSock = entry.NSConnSock
	}

	if connSock == 0 {
		var err error
		connSock, err = t.dialSpliceConn(v6, inNS, dst)
		if err != nil {
			return
		}

		ephemeral, err := sockaddrLocalPort(connSock)
		if err != nil {
			unix.Close(connSock)
			return
		}

		backRole := evloop.UDPBackToInit
		if inNS {
			backRole = evloop.UDPBackToNS
		}
		ref := evloop.NewUDPRef(connSock, v6, false, backRole, uint32(ephemeral))
		if err := t.Loop.Add(connSock, unix.EPOLLIN, ref); err != nil {
			unix.Close(connSock)
			return
		}

		back := &t.splice[vi][ephemeral]
		if inNS {
			back.InitBoundSock = sock
			back.InitDstPort = src
			entry.NSConnSock = connSock
		} else {
			back.NSBoundSock = sock
			back.NSDstPort = src
			entry.InitConnSock = connSock
		}
	}

	_ = unix.Send(connSock, buf[:n], 0)

	if inNS {
		entry.NSTS = time.Now()
	} else {
		entry.InitTS = time.Now()
	}
	t.spliceAct[vi].Set(src)
}

// handleSpliceReturn implements spec.md 4.3.3's reverse direction: a
// reply on a connected splice socket is relayed back to the original
// bound socket and destination port recorded when the connection was
// created.
func (t *Table) handleSpliceReturn(v6 bool, role evloop.UDPSplice, connPort uint16, sock int) {
	vi := verIdx(v6)
	entry := &t.splice[vi][connPort]

	backSock := entry.InitBoundSock
	sendDst := entry.InitDstPort
	if role == evloop.UDPBackToNS {
		backSock = entry.NSBoundSock
		sendDst = entry.NSDstPort
	}
	if backSock == 0 {
		return
	}

	buf := make([]byte, 65536)
	n, err := unix.Read(sock, buf)
	if err != nil || n <= 0 {
		return
	}

	loop := [4]byte{127, 0, 0, 1}
	var sa unix.Sockaddr
	if v6 {
		sa = &unix.SockaddrInet6{Port: int(sendDst), Addr: [16]byte{15: 1}}
	} else {
		sa = &unix.SockaddrInet4{Port: int(sendDst), Addr: loop}
	}
	_ = unix.Sendto(backSock, buf[:n], 0, sa)
}

// dialSpliceConn creates a connected loopback socket for the PASTA
// splice shortcut, entering the namespace side when required.
func (t *Table) dialSpliceConn(v6, inNS bool, dstPort uint16) (int, error) {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}

	open := func() (int, error) {
		fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
		if err != nil {
			return -1, err
		}
		var connErr error
		if v6 {
			connErr = unix.Connect(fd, &unix.SockaddrInet6{Port: int(dstPort), Addr: [16]byte{15: 1}})
		} else {
			connErr = unix.Connect(fd, &unix.SockaddrInet4{Port: int(dstPort), Addr: [4]byte{127, 0, 0, 1}})
		}
		if connErr != nil {
			unix.Close(fd)
			return -1, connErr
		}
		return fd, nil
	}

	if inNS && t.NSPath != "" {
		var fd int
		err := t.nsEnter(func() error {
			var derr error
			fd, derr = open()
			return derr
		})
		return fd, err
	}
	return open()
}

func sockaddrLocalPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(a.Port), nil
	case *unix.SockaddrInet6:
		return uint16(a.Port), nil
	}
	return 0, nil
}

// ageSplice closes splice-shortcut bindings idle for IdleTimeout,
// driven by the per-version activity bitmap (spec.md 4.3.4).
func (t *Table) ageSplice(cutoff time.Time) {
	for vi := 0; vi < 2; vi++ {
		vi := vi
		t.spliceAct[vi].Range(func(port uint16) {
			e := &t.splice[vi][port]
			active := e.NSConnSock != 0 || e.InitConnSock != 0
			if !active {
				t.spliceAct[vi].Clear(port)
				return
			}
			stale := (e.NSConnSock == 0 || e.NSTS.Before(cutoff)) &&
				(e.InitConnSock == 0 || e.InitTS.Before(cutoff))
			if !stale {
				return
			}
			if e.NSConnSock != 0 {
				t.Loop.Del(e.NSConnSock)
				unix.Close(e.NSConnSock)
			}
			if e.InitConnSock != 0 {
				t.Loop.Del(e.InitConnSock)
				unix.Close(e.InitConnSock)
			}
			*e = SplicePortEntry{}
			t.spliceAct[vi].Clear(port)
		})
	}
}
