// Package evloop implements the single-threaded, epoll-based readiness
// loop shared by the TCP splice and UDP forwarding engines.
package evloop

// Proto is the discriminant of a Ref's tagged payload.
type Proto uint8

const (
	ProtoTCPListen Proto = iota
	ProtoTCPConn
	ProtoUDP
	ProtoTap
	ProtoICMP
)

// UDPSplice enumerates the PASTA loopback-shortcut roles a UDP ref can
// carry, per spec.md 4.3.3.
type UDPSplice uint8

const (
	UDPSpliceNone UDPSplice = iota
	UDPToNS
	UDPToInit
	UDPBackToNS
	UDPBackToInit
)

// Ref is the 64-bit opaque epoll userdata tag. It is never read as a
// byte-addressed union (spec.md 9's redesign note); every field is
// reached through an explicit accessor.
//
// Layout (low to high bit):
//
//	[0:8)   proto
//	[8:9)   v6
//	[9:10)  listen   (TCP only)
//	[10:11) bound    (UDP only)
//	[11:14) splice   (UDP only, UDPSplice)
//	[15:16) outbound (TCP listen only: peer namespace is the "outer" one)
//	[16:33) index    (TCP: table index, or destination port for listen refs)
//	[16:32) port     (UDP: port number, up to 65536)
//	[33:64) fd
type Ref uint64

const (
	shiftProto  = 0
	shiftV6     = 8
	shiftListen   = 9
	shiftBound    = 10
	shiftSplice   = 11
	shiftOutbound = 15
	shiftIndex    = 16
	shiftFD       = 33

	maskProto  = 0xFF
	maskSplice = 0x7
)

// NewTCPRef builds a ref for a spliced-connection fd (index is the
// table slot).
func NewTCPRef(fd int, v6, listen bool, index uint32) Ref {
	var r Ref
	r |= Ref(ProtoTCPConn) << shiftProto
	if listen {
		r = (r &^ (maskProto << shiftProto)) | Ref(ProtoTCPListen)<<shiftProto
	}
	if v6 {
		r |= 1 << shiftV6
	}
	if listen {
		r |= 1 << shiftListen
	}
	r |= Ref(index) << shiftIndex
	r |= Ref(uint32(fd)) << shiftFD
	return r
}

// NewTCPListenRef builds a ref for a listening socket. index carries
// the pre-configured destination port (spec.md 4.2.5); outbound marks
// whether accepted connections should dial out through the peer
// (outer) namespace.
func NewTCPListenRef(fd int, v6, outbound bool, destPort uint32) Ref {
	r := NewTCPRef(fd, v6, true, destPort)
	if outbound {
		r |= 1 << shiftOutbound
	}
	return r
}

// Outbound reports whether a TCP listen ref's accepted connections
// should dial through the peer namespace.
func (r Ref) Outbound() bool { return (r>>shiftOutbound)&1 != 0 }

// NewUDPRef builds a ref for a UDP-bound or splice-shortcut fd.
func NewUDPRef(fd int, v6, bound bool, splice UDPSplice, port uint32) Ref {
	var r Ref
	r |= Ref(ProtoUDP) << shiftProto
	if v6 {
		r |= 1 << shiftV6
	}
	if bound {
		r |= 1 << shiftBound
	}
	r |= Ref(splice&maskSplice) << shiftSplice
	r |= Ref(port) << shiftIndex
	r |= Ref(uint32(fd)) << shiftFD
	return r
}

// NewICMPRef builds a ref for one echo identifier's dedicated raw
// ICMP socket (spec.md 4.5: one socket per identifier). id is read
// back through the same Port accessor UDP refs use - both are a
// 16-bit slot index into a per-version table.
func NewICMPRef(fd int, v6 bool, id uint16) Ref {
	var r Ref
	r |= Ref(ProtoICMP) << shiftProto
	if v6 {
		r |= 1 << shiftV6
	}
	r |= Ref(id) << shiftIndex
	r |= Ref(uint32(fd)) << shiftFD
	return r
}

func (r Ref) Proto() Proto { return Proto((r >> shiftProto) & maskProto) }
func (r Ref) FD() int      { return int(uint32(r >> shiftFD)) }
func (r Ref) V6() bool     { return (r>>shiftV6)&1 != 0 }

// Listen reports whether a TCP ref refers to the listening socket.
func (r Ref) Listen() bool { return (r>>shiftListen)&1 != 0 }

// Index returns the splice-table index carried by a TCP ref.
func (r Ref) Index() uint32 { return uint32((r >> shiftIndex) & 0x1FFFF) }

// Bound reports whether a UDP ref refers to the primary bound socket
// (as opposed to a splice-shortcut connected socket).
func (r Ref) Bound() bool { return (r>>shiftBound)&1 != 0 }

// Splice returns the PASTA loopback-shortcut role of a UDP ref.
func (r Ref) Splice() UDPSplice { return UDPSplice((r >> shiftSplice) & maskSplice) }

// Port returns the port number carried by a UDP ref.
func (r Ref) Port() uint32 { return uint32((r >> shiftIndex) & 0xFFFF) }
