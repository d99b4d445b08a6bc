package tcpsplice

import (
	"net"
	"testing"
	"time"

	"passt-connector/internal/evloop"
	"passt-connector/internal/pipepool"
	"passt-connector/internal/sockpool"
)

// TestScenarioRoundTrip implements spec.md S1: a client connects to
// the splice-configured listening port, writes 1 MiB, the namespace
// peer reads exactly that many bytes in order, writes back 64 KiB,
// and the client reads exactly that reply.
func TestScenarioRoundTrip(t *testing.T) {
	peer, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peer.Close()
	destPort := uint32(peer.Addr().(*net.TCPAddr).Port)

	const (
		sendSize  = 1048576
		replySize = 65536
	)

	serverDone := make(chan error, 1)
	go func() {
		conn, err := peer.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		buf := make([]byte, sendSize)
		if _, err := ioReadFull(conn, buf); err != nil {
			serverDone <- err
			return
		}
		for i, b := range buf {
			if b != byte(i) {
				serverDone <- errMismatch(i)
				return
			}
		}
		if _, err := conn.Write(makePattern(replySize)); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	pipes := pipepool.New()
	pipes.ProbeSize()
	pipes.Refill()

	var table *Table
	loop, err := evloop.New(func(ref evloop.Ref, events uint32) {
		table.Dispatch(ref, events)
	})
	if err != nil {
		t.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	pool := sockpool.New(false, 0)
	table = NewTable(loop, pipes, Pools{InboundV4: pool, OutboundV4: pool, InboundV6: pool, OutboundV6: pool}, 1024)

	const listenPort = 18080
	if err := table.Listen(false, listenPort, destPort, false); err != nil {
		t.Fatalf("table.Listen: %v", err)
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			loop.Wait(50)
			table.Sweep()
		}
	}()
	defer close(stop)

	clientDone := make(chan error, 1)
	go func() {
		conn, err := net.DialTimeout("tcp4", "127.0.0.1:18080", 2*time.Second)
		if err != nil {
			clientDone <- err
			return
		}
		defer conn.Close()

		if _, err := conn.Write(makePattern(sendSize)); err != nil {
			clientDone <- err
			return
		}
		reply := make([]byte, replySize)
		if _, err := ioReadFull(conn, reply); err != nil {
			clientDone <- err
			return
		}
		for i, b := range reply {
			if b != byte(i) {
				clientDone <- errMismatch(i)
				return
			}
		}
		clientDone <- nil
	}()

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server side: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server side timed out")
	}
	select {
	case err := <-clientDone:
		if err != nil {
			t.Fatalf("client side: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("client side timed out")
	}
}

func makePattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type errMismatch int

func (e errMismatch) Error() string { return "byte mismatch" }
