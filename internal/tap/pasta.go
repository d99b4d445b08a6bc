package tap

import (
	"fmt"
	"net"

	"github.com/songgao/water"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// PASTAConn carries raw Ethernet frames over a tuntap character
// device living in the target network namespace. There is no
// length-prefix framing: spec.md 4.4 draws the PASST/PASTA
// distinction precisely at "byte stream needing delimiters" versus
// "device already delivers discrete frames".
type PASTAConn struct {
	iface *water.Interface
}

// OpenPASTA creates (or attaches to, when name is non-empty) a tap
// device. The caller is expected to have already entered the target
// namespace via internal/nsentry before calling this, matching how
// the PASTA mode's device setup is scoped in original_source/tap.c.
func OpenPASTA(name string) (*PASTAConn, error) {
	cfg := water.Config{DeviceType: water.TAP}
	cfg.Name = name
	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tap: open tuntap device: %w", err)
	}
	return &PASTAConn{iface: iface}, nil
}

func (c *PASTAConn) Name() string { return c.iface.Name() }

func (c *PASTAConn) ReadFrame(buf []byte) (int, error) {
	return c.iface.Read(buf)
}

func (c *PASTAConn) WriteFrame(frame []byte) (int, error) {
	return c.iface.Write(frame)
}

func (c *PASTAConn) Close() error { return c.iface.Close() }

// Run pumps frames from the tap device into sink until Close or a
// read error.
func (c *PASTAConn) Run(sink FrameSink) error {
	buf := make([]byte, 65536)
	for {
		n, err := c.iface.Read(buf)
		if err != nil {
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := sink.HandleFrame(frame); err != nil {
			return err
		}
	}
}

// ParsedFrame is the minimal decode of a guest Ethernet frame needed
// to route it to the UDP forwarding table or the ICMP echo proxy:
// IP version, protocol, addresses, ports and payload.
type ParsedFrame struct {
	V6        bool
	Proto     uint8
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	Payload   []byte
}

// ParseFrame decodes an Ethernet frame's IPv4/IPv6 and TCP/UDP headers
// using gvisor's wire-format accessors, mirroring the header walk
// original_source/tap.c performs before handing a packet to the TCP
// or UDP engine.
func ParseFrame(frame []byte) (*ParsedFrame, error) {
	eth := header.Ethernet(frame)
	if len(frame) < header.EthernetMinimumSize {
		return nil, fmt.Errorf("tap: short ethernet frame (%d bytes)", len(frame))
	}

	var pf ParsedFrame
	payload := frame[header.EthernetMinimumSize:]

	switch eth.Type() {
	case header.IPv4ProtocolNumber:
		ip := header.IPv4(payload)
		if len(payload) < header.IPv4MinimumSize {
			return nil, fmt.Errorf("tap: short ipv4 packet")
		}
		pf.SrcIP = net.IP(ip.SourceAddress().AsSlice())
		pf.DstIP = net.IP(ip.DestinationAddress().AsSlice())
		pf.Proto = uint8(ip.TransportProtocol())
		payload = ip.Payload()
	case header.IPv6ProtocolNumber:
		ip := header.IPv6(payload)
		if len(payload) < header.IPv6MinimumSize {
			return nil, fmt.Errorf("tap: short ipv6 packet")
		}
		pf.V6 = true
		pf.SrcIP = net.IP(ip.SourceAddress().AsSlice())
		pf.DstIP = net.IP(ip.DestinationAddress().AsSlice())
		pf.Proto = uint8(ip.TransportProtocol())
		payload = ip.Payload()
	default:
		return nil, fmt.Errorf("tap: unsupported ethertype %#04x", eth.Type())
	}

	switch pf.Proto {
	case uint8(header.TCPProtocolNumber):
		if len(payload) < header.TCPMinimumSize {
			return nil, fmt.Errorf("tap: short tcp segment")
		}
		tcp := header.TCP(payload)
		pf.SrcPort = tcp.SourcePort()
		pf.DstPort = tcp.DestinationPort()
		pf.Payload = tcp.Payload()
	case uint8(header.UDPProtocolNumber):
		if len(payload) < header.UDPMinimumSize {
			return nil, fmt.Errorf("tap: short udp datagram")
		}
		udp := header.UDP(payload)
		pf.SrcPort = udp.SourcePort()
		pf.DstPort = udp.DestinationPort()
		pf.Payload = udp.Payload()
	default:
		pf.Payload = payload
	}

	return &pf, nil
}
