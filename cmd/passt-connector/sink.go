package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var guestMAC = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
var hostMAC = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")

// SendUDP implements udpfwd.Sink: it wraps a guest-bound UDP payload
// in Ethernet/IP/UDP headers and writes it out the active carrier.
func (s *tapSink) SendUDP(v6 bool, src net.IP, srcPort uint16, dst net.IP, dstPort uint16, payload []byte) error {
	frame, err := buildUDPFrame(v6, src, srcPort, dst, dstPort, payload)
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// SendICMP implements icmpproxy.Sink: the payload is already a
// complete ICMP message, so only the Ethernet/IP envelope is added.
func (s *tapSink) SendICMP(v6 bool, src, dst net.IP, payload []byte) error {
	frame, err := buildICMPFrame(v6, src, dst, payload)
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

func (s *tapSink) writeFrame(frame []byte) error {
	if s.pcap != nil {
		_ = s.pcap.WriteFrame(time.Now(), frame)
	}
	switch {
	case s.device != nil:
		_, err := s.device.WriteFrame(frame)
		return err
	case s.wsEnc != nil:
		return s.wsEnc.WriteFrame(frame)
	case s.ws != nil:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.ws.WriteFrame(ctx, frame)
	}
	return fmt.Errorf("tap: no carrier configured")
}

func buildUDPFrame(v6 bool, src net.IP, srcPort uint16, dst net.IP, dstPort uint16, payload []byte) ([]byte, error) {
	udpLen := header.UDPMinimumSize + len(payload)
	ipLen := udpLen
	var ethType tcpip.NetworkProtocolNumber
	var ipHdrLen int
	if v6 {
		ethType = header.IPv6ProtocolNumber
		ipHdrLen = header.IPv6MinimumSize
	} else {
		ethType = header.IPv4ProtocolNumber
		ipHdrLen = header.IPv4MinimumSize
	}

	buf := make([]byte, header.EthernetMinimumSize+ipHdrLen+udpLen)
	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{
		SrcAddr: hostMAC,
		DstAddr: guestMAC,
		Type:    ethType,
	})

	ipPayload := buf[header.EthernetMinimumSize:]
	udpHdr := header.UDP(ipPayload[ipHdrLen:])
	udpHdr.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(udpLen),
	})
	copy(udpHdr.Payload(), payload)

	srcAddr := tcpip.AddrFromSlice(src.To16())
	dstAddr := tcpip.AddrFromSlice(dst.To16())
	if !v6 {
		srcAddr = tcpip.AddrFromSlice(src.To4())
		dstAddr = tcpip.AddrFromSlice(dst.To4())
	}

	if v6 {
		ip := header.IPv6(ipPayload)
		ip.Encode(&header.IPv6Fields{
			PayloadLength:     uint16(ipLen),
			TransportProtocol: header.UDPProtocolNumber,
			HopLimit:          64,
			SrcAddr:           srcAddr,
			DstAddr:           dstAddr,
		})
		udpHdr.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcAddr, dstAddr, uint16(udpLen))
		udpHdr.SetChecksum(^udpHdr.CalculateChecksum(xsum))
	} else {
		ip := header.IPv4(ipPayload)
		ip.Encode(&header.IPv4Fields{
			TotalLength: uint16(ipHdrLen + ipLen),
			TTL:         64,
			Protocol:    uint8(header.UDPProtocolNumber),
			SrcAddr:     srcAddr,
			DstAddr:     dstAddr,
		})
		ip.SetChecksum(0)
		ip.SetChecksum(^ip.CalculateChecksum())
		udpHdr.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcAddr, dstAddr, uint16(udpLen))
		udpHdr.SetChecksum(^udpHdr.CalculateChecksum(xsum))
	}

	return buf, nil
}

func buildICMPFrame(v6 bool, src, dst net.IP, icmpPayload []byte) ([]byte, error) {
	var ethType tcpip.NetworkProtocolNumber
	var ipHdrLen int
	var proto tcpip.TransportProtocolNumber
	if v6 {
		ethType = header.IPv6ProtocolNumber
		ipHdrLen = header.IPv6MinimumSize
		proto = header.ICMPv6ProtocolNumber
	} else {
		ethType = header.IPv4ProtocolNumber
		ipHdrLen = header.IPv4MinimumSize
		proto = header.ICMPv4ProtocolNumber
	}

	buf := make([]byte, header.EthernetMinimumSize+ipHdrLen+len(icmpPayload))
	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{SrcAddr: hostMAC, DstAddr: guestMAC, Type: ethType})

	ipPayload := buf[header.EthernetMinimumSize:]
	copy(ipPayload[ipHdrLen:], icmpPayload)

	srcAddr := tcpip.AddrFromSlice(src.To16())
	dstAddr := tcpip.AddrFromSlice(dst.To16())
	if !v6 {
		srcAddr = tcpip.AddrFromSlice(src.To4())
		dstAddr = tcpip.AddrFromSlice(dst.To4())
	}

	if v6 {
		ip := header.IPv6(ipPayload)
		ip.Encode(&header.IPv6Fields{
			PayloadLength:     uint16(len(icmpPayload)),
			TransportProtocol: proto,
			HopLimit:          64,
			SrcAddr:           srcAddr,
			DstAddr:           dstAddr,
		})
	} else {
		ip := header.IPv4(ipPayload)
		ip.Encode(&header.IPv4Fields{
			TotalLength: uint16(ipHdrLen + len(icmpPayload)),
			TTL:         64,
			Protocol:    uint8(proto),
			SrcAddr:     srcAddr,
			DstAddr:     dstAddr,
		})
		ip.SetChecksum(0)
		ip.SetChecksum(^ip.CalculateChecksum())
	}

	return buf, nil
}
