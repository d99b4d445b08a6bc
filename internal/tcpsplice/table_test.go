package tcpsplice

import (
	"testing"

	"golang.org/x/sys/unix"

	"passt-connector/internal/evloop"
)

func TestEpollMasks(t *testing.T) {
	cases := []struct {
		name       string
		e          event
		wantA      uint32
		wantB      uint32
	}{
		{"connect", eventConnect, 0, unix.EPOLLOUT},
		{"established", eventEstablished, unix.EPOLLIN | unix.EPOLLRDHUP, unix.EPOLLIN | unix.EPOLLRDHUP},
		{"established, b fin sent", eventEstablished | eventBFinSent, 0, unix.EPOLLIN | unix.EPOLLRDHUP},
		{"established, a fin sent", eventEstablished | eventAFinSent, unix.EPOLLIN | unix.EPOLLRDHUP, 0},
		{"established + a out wait", eventEstablished | eventAOutWait, unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLOUT, unix.EPOLLIN | unix.EPOLLRDHUP},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a, b := epollMasks(c.e)
			if a != c.wantA || b != c.wantB {
				t.Fatalf("epollMasks(%v) = (%#x, %#x), want (%#x, %#x)", c.e, a, b, c.wantA, c.wantB)
			}
		})
	}
}

func TestConnEventSetClear(t *testing.T) {
	c := &Conn{}
	c.reset()

	if !c.setEvent(eventConnect) {
		t.Fatalf("first setEvent should report change")
	}
	if c.setEvent(eventConnect) {
		t.Fatalf("second setEvent should be a no-op")
	}
	if !c.hasEvent(eventConnect) {
		t.Fatalf("expected eventConnect set")
	}

	if !c.setEvent(eventEstablished) {
		t.Fatalf("setEvent(established) should report change")
	}
	if !c.hasEvents(eventConnect | eventEstablished) {
		t.Fatalf("events must accumulate, never demote (spec invariant)")
	}

	if !c.clearEvent(eventConnect) {
		t.Fatalf("clearEvent should report change")
	}
	if c.hasEvent(eventConnect) {
		t.Fatalf("eventConnect should be cleared")
	}
	if !c.hasEvent(eventEstablished) {
		t.Fatalf("clearing one event must not clear others")
	}
}

func TestConnFlagSetClear(t *testing.T) {
	c := &Conn{}
	c.reset()

	if !c.setFlag(flagRcvlowatSetA) {
		t.Fatalf("expected change")
	}
	if !c.setFlag(flagRcvlowatActA) {
		t.Fatalf("expected change")
	}
	if !c.hasFlag(flagRcvlowatSetA) || !c.hasFlag(flagRcvlowatActA) {
		t.Fatalf("both flags should be set")
	}
	c.clearFlag(flagRcvlowatActA)
	if c.hasFlag(flagRcvlowatActA) {
		t.Fatalf("ACT flag should be cleared")
	}
	if !c.hasFlag(flagRcvlowatSetA) {
		t.Fatalf("clearing ACT must not clear SET")
	}
}

func TestTableCompactionMovesTailAndResetsIt(t *testing.T) {
	loop, err := evloop.New(func(evloop.Ref, uint32) {})
	if err != nil {
		t.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	tab := NewTable(loop, nil, Pools{}, 1024)
	tab.count = 3
	tab.conns[0].A, tab.conns[0].B = 10, 11
	tab.conns[1].A, tab.conns[1].B = 20, 21
	tab.conns[2].A, tab.conns[2].B = 30, 31

	// destroying index 0 should pull index 2 (the tail) into its slot.
	tab.conn(0).reset()
	tab.conn(0).A, tab.conn(0).B = 10, 11
	tab.compact(0)

	if tab.count != 2 {
		t.Fatalf("count after compaction = %d, want 2", tab.count)
	}
	if tab.conns[0].A != 30 || tab.conns[0].B != 31 {
		t.Fatalf("tail entry was not moved into the hole: got A=%d B=%d", tab.conns[0].A, tab.conns[0].B)
	}
	// the old tail slot (now beyond count) must be reset to sentinels.
	if tab.conns[2].A != -1 || tab.conns[2].B != -1 {
		t.Fatalf("moved-from slot was not reset: A=%d B=%d", tab.conns[2].A, tab.conns[2].B)
	}
}
