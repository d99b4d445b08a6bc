package tcpsplice

import (
	"testing"

	"golang.org/x/sys/unix"

	"passt-connector/internal/evloop"
	"passt-connector/internal/pipepool"
)

// TestTickRestoresRCVLOWATWithoutAct covers spec.md 8 invariant 9: once
// SET is raised on a side without a further ACT by the next tick, Tick
// restores SO_RCVLOWAT to 1 and clears SET.
func TestTickRestoresRCVLOWATWithoutAct(t *testing.T) {
	loop, err := evloop.New(func(evloop.Ref, uint32) {})
	if err != nil {
		t.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	sock := mustDgramSocket(t)
	defer unix.Close(sock)

	tab := NewTable(loop, pipepool.New(), Pools{}, 1024)
	tab.count = 1
	c := tab.conn(0)
	c.reset()
	c.A, c.B = sock, -1
	c.setFlag(flagRcvlowatSetA)
	// ActA deliberately left clear: no readiness activity since SET was raised.

	tab.Tick()

	if c.hasFlag(flagRcvlowatSetA) {
		t.Fatal("SET should be cleared once ACT fails to reappear within one tick")
	}
	got, err := unix.GetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_RCVLOWAT)
	if err != nil {
		t.Fatalf("getsockopt: %v", err)
	}
	if got != 1 {
		t.Fatalf("SO_RCVLOWAT = %d, want restored to 1", got)
	}
}

// TestTickRetainsRCVLOWATWithAct covers the hysteresis half of the same
// invariant: SET survives a tick where ACT was observed, and ACT itself
// is cleared so the next tick requires fresh activity to retain SET.
func TestTickRetainsRCVLOWATWithAct(t *testing.T) {
	loop, err := evloop.New(func(evloop.Ref, uint32) {})
	if err != nil {
		t.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	sock := mustDgramSocket(t)
	defer unix.Close(sock)

	tab := NewTable(loop, pipepool.New(), Pools{}, 1024)
	tab.count = 1
	c := tab.conn(0)
	c.reset()
	c.A, c.B = sock, -1
	c.setFlag(flagRcvlowatSetA)
	c.setFlag(flagRcvlowatActA)

	tab.Tick()

	if !c.hasFlag(flagRcvlowatSetA) {
		t.Fatal("SET must survive a tick in which ACT was observed")
	}
	if c.hasFlag(flagRcvlowatActA) {
		t.Fatal("ACT must be cleared every tick regardless of outcome")
	}
}

func mustDgramSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	return fd
}
