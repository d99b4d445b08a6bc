package main

import (
	"golang.org/x/net/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"passt-connector/internal/icmpproxy"
	"passt-connector/internal/tap"
	"passt-connector/internal/udpfwd"
)

// frameRouter implements tap.FrameSink: every guest-originated frame
// the active carrier reads is decoded once and handed to the UDP
// forwarding table or the ICMP echo proxy, the guest-to-host half of
// spec.md 4.3.2/4.5 that the TCP splice engine doesn't need (its
// guest-to-host direction is the host listening sockets wired in
// main, not tap frames).
type frameRouter struct {
	udp  *udpfwd.Table
	icmp *icmpproxy.Proxy
}

func (r *frameRouter) HandleFrame(frame []byte) error {
	pf, err := tap.ParseFrame(frame)
	if err != nil {
		return nil // malformed/unsupported frame: drop, don't kill the carrier
	}

	switch {
	case pf.Proto == uint8(header.UDPProtocolNumber):
		return r.udp.HandleTapToSocket(pf.V6, pf.SrcPort, pf.DstIP, pf.DstPort, pf.Payload)

	case pf.Proto == uint8(header.ICMPv4ProtocolNumber) && !pf.V6:
		return r.forwardICMP(false, pf)

	case pf.Proto == uint8(header.ICMPv6ProtocolNumber) && pf.V6:
		return r.forwardICMP(true, pf)
	}
	return nil
}

func (r *frameRouter) forwardICMP(v6 bool, pf *tap.ParsedFrame) error {
	if r.icmp == nil {
		return nil
	}
	msg, err := icmp.ParseMessage(protocolNumber(v6), pf.Payload)
	if err != nil {
		return nil
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return nil
	}
	return r.icmp.Forward(v6, pf.SrcIP, pf.DstIP, uint16(echo.ID), echo.Data)
}

func protocolNumber(v6 bool) int {
	if v6 {
		return 58 // ipv6-icmp
	}
	return 1 // icmp
}
