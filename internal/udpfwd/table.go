package udpfwd

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"passt-connector/internal/evloop"
	"passt-connector/internal/nsentry"
	"passt-connector/internal/portmap"
)

// Sink is what the UDP engine injects guest-bound datagrams into. It
// is the abstract "external byte-stream or tuntap frame destination"
// of spec.md 4.4, implemented concretely by internal/tap.
type Sink interface {
	SendUDP(v6 bool, src net.IP, srcPort uint16, dst net.IP, dstPort uint16, payload []byte) error
}

// Config bundles the per-version addressing inputs spec.md 6 lists.
type Config struct {
	V4, V6 AddrConfig
	Mode   Mode
}

// Mode selects PASST (no namespace loopback shortcut) or PASTA
// (namespace + loopback-shortcut splicing).
type Mode int

const (
	ModePASST Mode = iota
	ModePASTA
)

// Table owns every UDP port-indexed structure. Touched only from the
// event-loop goroutine, per spec.md 5.
type Table struct {
	Loop   *evloop.Loop
	Cfg    Config
	Sink   Sink
	Ports  *portmap.Table
	NSPath string

	tap       [2][NumPorts]TapPortEntry
	tapAct    [2]Bitmap
	splice    [2][NumPorts]SplicePortEntry
	spliceAct [2]Bitmap
}

func NewTable(loop *evloop.Loop, cfg Config, sink Sink, ports *portmap.Table) *Table {
	if ports == nil {
		ports = portmap.New(nil)
	}
	return &Table{Loop: loop, Cfg: cfg, Sink: sink, Ports: ports}
}

func verIdx(v6 bool) int {
	if v6 {
		return 1
	}
	return 0
}

func (t *Table) addrConfig(v6 bool) *AddrConfig {
	if v6 {
		return &t.Cfg.V6
	}
	return &t.Cfg.V4
}

// bindTap opens and registers a bound UDP socket for the guest source
// port, entering the tap's own path (no namespace switch: tap-facing
// sockets always live in the init/outer namespace).
func (t *Table) bindTap(v6 bool, port uint16) (*TapPortEntry, error) {
	vi := verIdx(v6)
	e := &t.tap[vi][port]
	if e.bound() {
		return e, nil
	}

	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("udpfwd: socket: %w", err)
	}
	var bindErr error
	if v6 {
		bindErr = unix.Bind(fd, &unix.SockaddrInet6{Port: int(port)})
	} else {
		bindErr = unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)})
	}
	if bindErr != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udpfwd: bind :%d: %w", port, bindErr)
	}

	e.Sock = fd
	ref := evloop.NewUDPRef(fd, v6, true, evloop.UDPSpliceNone, uint32(port))
	if err := t.Loop.Add(fd, unix.EPOLLIN, ref); err != nil {
		unix.Close(fd)
		e.Sock = 0
		return nil, fmt.Errorf("udpfwd: epoll add: %w", err)
	}
	return e, nil
}

// Dispatch routes a readiness event to the tap-direction handler, or
// to the PASTA splice-shortcut handler per the ref's Splice role.
func (t *Table) Dispatch(ref evloop.Ref, events uint32) {
	switch ref.Splice() {
	case evloop.UDPSpliceNone:
		t.handleTapDirection(ref.V6(), uint16(ref.Port()), ref.FD())
	case evloop.UDPToNS, evloop.UDPToInit:
		t.handleSpliceForward(ref.V6(), ref.Splice(), uint16(ref.Port()), ref.FD())
	case evloop.UDPBackToNS, evloop.UDPBackToInit:
		t.handleSpliceReturn(ref.V6(), ref.Splice(), uint16(ref.Port()), ref.FD())
	}
}

// handleTapDirection implements spec.md 4.3.1: batch-receive datagrams
// from the outer socket bound to a guest port, rewrite the source
// address per the gateway-masquerade/DNS-forward rules, and inject
// toward the guest. Receives are capped at 32 per readiness event,
// matching the source's batch size (the kernel-level recvmmsg
// batching is not reproduced; the per-datagram rewrite and injection
// semantics spec.md actually tests are).
func (t *Table) handleTapDirection(v6 bool, guestPort uint16, sock int) {
	vi := verIdx(v6)
	entry := &t.tap[vi][guestPort]
	ac := t.addrConfig(v6)

	buf := make([]byte, 65536)
	for i := 0; i < 32; i++ {
		n, from, err := unix.Recvfrom(sock, buf, 0)
		if err != nil {
			return
		}

		peerIP, peerPort := sockaddrIP(from)
		srcIP, flags := rewriteSource(v6, peerIP, ac)

		entry.Flags = flags
		entry.TS = time.Now()
		t.tapAct[vi].Set(guestPort)

		_ = t.Sink.SendUDP(v6, srcIP, peerPort, ac.Gateway, guestPort, buf[:n])
	}
}

// rewriteSource implements the v4/v6 source-rewrite table of spec.md
// 4.3.1.
func rewriteSource(v6 bool, peer net.IP, ac *AddrConfig) (net.IP, TapFlag) {
	if len(ac.DNS) > 0 && peer.Equal(ac.DNS[0]) && ac.DNSForward != nil {
		return ac.DNSForward, 0
	}

	if v6 {
		if peer.IsLinkLocalUnicast() {
			return ac.LinkLocalSeen, 0
		}
		var flags TapFlag
		if peer.Equal(ac.Seen) {
			flags |= PortGUA
		}
		if ac.Gateway != nil && ac.Gateway.IsLinkLocalUnicast() {
			return ac.Gateway, flags
		}
		if ac.LinkLocal != nil {
			return ac.LinkLocal, flags
		}
		return peer, flags
	}

	if peer.IsLoopback() || peer.IsUnspecified() || peer.Equal(ac.Seen) {
		flags := PortLocal
		if peer.IsLoopback() {
			flags |= PortLoopback
		}
		return ac.Gateway, flags
	}
	return peer, 0
}

// HandleTapToSocket implements spec.md 4.3.2: a guest-originated
// datagram arrives with outer addressing (dstIP, dstPort) and inner
// source port. It binds (or reuses) an outer socket keyed on the
// guest source port and forwards, rewriting the destination per the
// gateway/DNS rules.
func (t *Table) HandleTapToSocket(v6 bool, srcPort uint16, dstIP net.IP, dstPort uint16, payload []byte) error {
	e, err := t.bindTap(v6, srcPort)
	if err != nil {
		return err
	}
	ac := t.addrConfig(v6)

	dst := dstIP
	if !ac.NoMapGW && ac.Gateway != nil && dstIP.Equal(ac.Gateway) {
		if e.Flags&PortLocal != 0 {
			loop := net.IPv4(127, 0, 0, 1)
			if v6 {
				loop = net.IPv6loopback
			}
			dst = loop
		} else if v6 && e.Flags&PortGUA != 0 {
			dst = ac.Seen
		} else if !v6 {
			dst = ac.Seen
		}
	}
	if len(ac.DNS) > 0 && dstPort == 53 && ac.DNSForward != nil && dstIP.Equal(ac.DNSForward) {
		dst = ac.DNS[0]
	}

	var sa unix.Sockaddr
	if v6 {
		var a [16]byte
		copy(a[:], dst.To16())
		sa = &unix.SockaddrInet6{Port: int(dstPort), Addr: a}
	} else {
		var a [4]byte
		copy(a[:], dst.To4())
		sa = &unix.SockaddrInet4{Port: int(dstPort), Addr: a}
	}
	if err := unix.Sendto(e.Sock, payload, 0, sa); err != nil {
		return fmt.Errorf("udpfwd: sendto: %w", err)
	}

	vi := verIdx(v6)
	e.TS = time.Now()
	t.tapAct[vi].Set(srcPort)
	return nil
}

func sockaddrIP(sa unix.Sockaddr) (net.IP, uint16) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]), uint16(a.Port)
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]), uint16(a.Port)
	}
	return nil, 0
}

// Age closes every tap and splice port entry idle for IdleTimeout or
// longer, driven by the activity bitmaps rather than a full port-space
// scan (spec.md 4.3.4, 8 invariant 5).
func (t *Table) Age() {
	cutoff := time.Now().Add(-IdleTimeout)
	for vi := 0; vi < 2; vi++ {
		vi := vi
		t.tapAct[vi].Range(func(port uint16) {
			e := &t.tap[vi][port]
			if !e.bound() || e.TS.After(cutoff) {
				return
			}
			t.Loop.Del(e.Sock)
			unix.Close(e.Sock)
			*e = TapPortEntry{}
			t.tapAct[vi].Clear(port)
		})
	}
	t.ageSplice(cutoff)
}

func (t *Table) nsEnter(fn func() error) error {
	if t.Cfg.Mode == ModePASTA && t.NSPath != "" {
		return nsentry.Do(t.NSPath, fn)
	}
	return fn()
}
