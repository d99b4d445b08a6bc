// Package portmap implements the static port-remapping tables (delta
// and reverse-delta) used by the UDP forwarding engine; the TCP splice
// engine does not consume them. Grounded on original_source/udp.c's
// udp_invert_portmap.
package portmap

// NumPorts is the size of the port space the tables cover.
const NumPorts = 65536

// Table holds a forward delta table and its derived reverse (rdelta)
// table. delta[p] is the offset added to port p on the forward path;
// rdelta undoes it exactly on the reply path (spec.md 8 invariant 7).
type Table struct {
	Delta  [NumPorts]int32
	RDelta [NumPorts]int32
}

// New builds a Table from a sparse set of forward deltas (port ->
// delta) and computes the matching reverse table via Invert.
func New(deltas map[uint16]int32) *Table {
	t := &Table{}
	for p, d := range deltas {
		t.Delta[p] = d
	}
	t.Invert()
	return t
}

// Invert recomputes RDelta from Delta using the original's inversion
// rule: for every port p with a non-zero forward delta d,
// rdelta[p+d] = NumPorts - d, so that translating p+d back by
// rdelta[p+d] (mod NumPorts) recovers p.
func (t *Table) Invert() {
	for i := range t.RDelta {
		t.RDelta[i] = 0
	}
	for p := 0; p < NumPorts; p++ {
		d := t.Delta[p]
		if d == 0 {
			continue
		}
		target := uint16(int32(p) + d) // wraps mod 65536, matching uint16 port arithmetic
		t.RDelta[target] = NumPorts - d
	}
}

// Forward applies the forward delta to port p.
func (t *Table) Forward(p uint16) uint16 {
	return uint16(int32(p) + t.Delta[p])
}

// Reverse applies the reverse delta to port p (undoing Forward).
func (t *Table) Reverse(p uint16) uint16 {
	return uint16(int32(p) + t.RDelta[p])
}
