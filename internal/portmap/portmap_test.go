package portmap

import "testing"

func TestForwardReverseSymmetry(t *testing.T) {
	deltas := map[uint16]int32{
		80:    100,
		443:   -50,
		65530: 10, // wraps past the top of the port space
	}
	tb := New(deltas)

	for p, d := range deltas {
		translated := tb.Forward(p)
		if translated != uint16(int32(p)+d) {
			t.Fatalf("Forward(%d) = %d, want %d", p, translated, uint16(int32(p)+d))
		}
		back := tb.Reverse(translated)
		if back != p {
			t.Fatalf("Reverse(Forward(%d)) = %d, want %d", p, back, p)
		}
	}
}

func TestNoDeltaIsIdentity(t *testing.T) {
	tb := New(nil)
	for _, p := range []uint16{0, 1, 8080, 65535} {
		if tb.Forward(p) != p {
			t.Fatalf("Forward(%d) with no delta = %d, want %d", p, tb.Forward(p), p)
		}
		if tb.Reverse(p) != p {
			t.Fatalf("Reverse(%d) with no delta = %d, want %d", p, tb.Reverse(p), p)
		}
	}
}
