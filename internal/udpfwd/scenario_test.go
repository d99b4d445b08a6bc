package udpfwd

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"passt-connector/internal/evloop"
	"passt-connector/internal/portmap"
)

type fakeSink struct {
	calls []sinkCall
}

type sinkCall struct {
	v6      bool
	src     net.IP
	srcPort uint16
	dst     net.IP
	dstPort uint16
	payload []byte
}

func (f *fakeSink) SendUDP(v6 bool, src net.IP, srcPort uint16, dst net.IP, dstPort uint16, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.calls = append(f.calls, sinkCall{v6, src, srcPort, dst, dstPort, cp})
	return nil
}

// TestScenarioTapGatewayRewrite implements spec.md S4: a datagram from
// an outer peer treated as local (loopback, unspecified, or matching
// addr_seen) arrives at the guest rewritten to the gateway
// address, on the guest port the outer socket was bound for.
func TestScenarioTapGatewayRewrite(t *testing.T) {
	loop, err := evloop.New(func(evloop.Ref, uint32) {})
	if err != nil {
		t.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	gw := net.IPv4(192, 0, 2, 1)
	sink := &fakeSink{}
	tab := NewTable(loop, Config{V4: AddrConfig{Gateway: gw}}, sink, portmap.New(nil))

	const guestPort = 40000
	entry, err := tab.bindTap(false, guestPort)
	if err != nil {
		t.Fatalf("bindTap: %v", err)
	}

	peer, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	defer unix.Close(peer)
	if err := unix.Bind(peer, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("peer bind: %v", err)
	}
	peerAddr, err := unix.Getsockname(peer)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	peerPort := uint16(peerAddr.(*unix.SockaddrInet4).Port)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	dst := &unix.SockaddrInet4{Port: guestPort, Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Sendto(peer, payload, 0, dst); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.calls) == 0 && time.Now().Before(deadline) {
		tab.handleTapDirection(false, guestPort, entry.Sock)
	}

	if len(sink.calls) != 1 {
		t.Fatalf("got %d SendUDP calls, want 1", len(sink.calls))
	}
	c := sink.calls[0]
	if !c.src.Equal(gw) {
		t.Fatalf("source = %v, want gateway %v", c.src, gw)
	}
	if c.srcPort != peerPort {
		t.Fatalf("srcPort = %d, want peer's ephemeral port %d", c.srcPort, peerPort)
	}
	if c.dstPort != guestPort {
		t.Fatalf("dstPort = %d, want guest port %d", c.dstPort, guestPort)
	}
	if len(c.payload) != 512 {
		t.Fatalf("payload length = %d, want 512", len(c.payload))
	}
	for i, b := range c.payload {
		if b != byte(i) {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
	if !tab.tapAct[0].Get(guestPort) {
		t.Fatal("tap activity bit should be set after a datagram is handled")
	}
}

// TestScenarioUDPAging implements spec.md S6: after S4's binding sees
// no further traffic for >= IdleTimeout, Age closes its socket and
// clears its activity bit; a subsequent HandleTapToSocket call
// re-creates the binding from scratch.
func TestScenarioUDPAging(t *testing.T) {
	loop, err := evloop.New(func(evloop.Ref, uint32) {})
	if err != nil {
		t.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	sink := &fakeSink{}
	tab := NewTable(loop, Config{V4: AddrConfig{Gateway: net.IPv4(192, 0, 2, 1)}}, sink, portmap.New(nil))

	const guestPort = 40000
	entry, err := tab.bindTap(false, guestPort)
	if err != nil {
		t.Fatalf("bindTap: %v", err)
	}
	entry.TS = time.Now().Add(-2 * IdleTimeout)
	tab.tapAct[0].Set(guestPort)

	tab.Age()

	if tab.tap[0][guestPort].bound() {
		t.Fatal("binding should be closed once idle past IdleTimeout")
	}
	if tab.tapAct[0].Get(guestPort) {
		t.Fatal("activity bit should be cleared after Age closes the binding")
	}

	dstIP := net.IPv4(127, 0, 0, 1)
	if err := tab.HandleTapToSocket(false, guestPort, dstIP, 9999, []byte("hi")); err != nil {
		t.Fatalf("HandleTapToSocket after aging: %v", err)
	}
	if !tab.tap[0][guestPort].bound() {
		t.Fatal("binding should be re-created by the next guest-originated datagram")
	}
}

// TestScenarioPASTASplice implements spec.md S5: in PASTA mode, all
// datagrams the guest sends from one local port to another local port
// are relayed through a single lazily-created connected socket, whose
// ephemeral source port is recorded as the splice table's back-pointer
// for the reply leg.
func TestScenarioPASTASplice(t *testing.T) {
	loop, err := evloop.New(func(evloop.Ref, uint32) {})
	if err != nil {
		t.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	sink := &fakeSink{}
	tab := NewTable(loop, Config{Mode: ModePASTA}, sink, portmap.New(nil))

	// nsTarget stands in for "port 80 in namespace": a real listening
	// socket the splice shortcut dials out to. A non-privileged port is
	// used since nothing here actually enters a separate namespace.
	const nsTargetPort = 18180
	nsTarget, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		t.Fatalf("nsTarget socket: %v", err)
	}
	defer unix.Close(nsTarget)
	if err := unix.Bind(nsTarget, &unix.SockaddrInet4{Port: nsTargetPort, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("nsTarget bind :%d: %v", nsTargetPort, err)
	}

	// guestSide is the outer socket the guest's datagrams to 127.0.0.1:80
	// land on.
	const guestListenPort = 18181
	guestSide, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		t.Fatalf("guestSide socket: %v", err)
	}
	defer unix.Close(guestSide)
	if err := unix.Bind(guestSide, &unix.SockaddrInet4{Port: guestListenPort, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("guestSide bind :%d: %v", guestListenPort, err)
	}

	client, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	defer unix.Close(client)
	if err := unix.Connect(client, &unix.SockaddrInet4{Port: guestListenPort, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	clientAddr, err := unix.Getsockname(client)
	if err != nil {
		t.Fatalf("getsockname(client): %v", err)
	}
	clientPort := uint16(clientAddr.(*unix.SockaddrInet4).Port)

	var firstEphemeral uint16
	for i := 0; i < 3; i++ {
		if _, err := unix.Write(client, []byte("ping")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			n, from, rerr := unix.Recvfrom(nsTarget, make([]byte, 64), 0)
			if rerr == nil && n > 0 {
				ephemeral := uint16(from.(*unix.SockaddrInet4).Port)
				if firstEphemeral == 0 {
					firstEphemeral = ephemeral
				} else if ephemeral != firstEphemeral {
					t.Fatalf("datagram %d arrived from port %d, want the same ephemeral port %d every time", i, ephemeral, firstEphemeral)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("datagram %d never reached the splice target", i)
			}
			tab.handleSpliceForward(false, evloop.UDPToNS, nsTargetPort, guestSide)
		}
	}

	entry := tab.splice[0][clientPort]
	if entry.NSConnSock == 0 {
		t.Fatal("splice_map[V4][client port].ns_conn_sock should be recorded after the forward leg")
	}
}
