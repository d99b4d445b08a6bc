// Package tcpsplice implements the TCP splice fast-path: a spliced
// connection table, its event/flag state machine, the bidirectional
// byte pump over anonymous pipes, and the pressure-based reaper.
// Grounded on original_source/tcp_splice.c in full.
package tcpsplice

import "github.com/google/uuid"

// event is the additive bitset of spec.md 3/4.2. Events accumulate;
// they are cleared only explicitly (A_OUT_WAIT, B_OUT_WAIT,
// RCVLOWAT_ACT_*) - never implicitly demoted, per spec.md's
// "never transitions ESTABLISHED -> CONNECT" invariant.
type event uint8

const (
	eventConnect event = 1 << iota
	eventEstablished
	eventAOutWait
	eventBOutWait
	eventAFinRcvd
	eventBFinRcvd
	eventAFinSent
	eventBFinSent
)

// flag holds connection attributes, as opposed to events.
type flag uint8

const (
	flagSockV6 flag = 1 << iota
	flagInEpoll
	flagRcvlowatSetA
	flagRcvlowatSetB
	flagRcvlowatActA
	flagRcvlowatActB
	flagClosing
)

// Conn is one entry of the spliced-connection table (spec.md 3). The
// conn_flag_do "bit-pair implies clear" encoding (spec.md 9 Open
// Questions) is replaced by the explicit setEvent/clearEvent and
// setFlag/clearFlag pairs below.
type Conn struct {
	A, B       int
	PipeAB     [2]int // read->write ends carrying bytes from A to B
	PipeBA     [2]int // opposite direction

	events event
	flags  flag

	ARead, AWritten uint32
	BRead, BWritten uint32

	// TraceID is an optional per-connection debug correlation id,
	// mirroring the teacher's session/request id usage pattern. Nothing
	// in this package assigns it; reset clears it to the zero UUID.
	TraceID uuid.UUID
}

func (c *Conn) hasEvents(set event) bool { return c.events&set == set }
func (c *Conn) hasEvent(e event) bool    { return c.events&e != 0 }

func (c *Conn) setEvent(e event) bool {
	if c.events&e == e {
		return false
	}
	c.events |= e
	return true
}

func (c *Conn) clearEvent(e event) bool {
	if c.events&e == 0 {
		return false
	}
	c.events &^= e
	return true
}

func (c *Conn) hasFlag(f flag) bool { return c.flags&f != 0 }

func (c *Conn) setFlag(f flag) bool {
	if c.flags&f != 0 {
		return false
	}
	c.flags |= f
	return true
}

func (c *Conn) clearFlag(f flag) bool {
	if c.flags&f == 0 {
		return false
	}
	c.flags &^= f
	return true
}

func (c *Conn) v6() bool { return c.hasFlag(flagSockV6) }

// reset restores a destroyed or freshly-compacted entry to its
// sentinel state (original_source/tcp_splice.c's table-compact reset).
func (c *Conn) reset() {
	c.A, c.B = -1, -1
	c.PipeAB = [2]int{-1, -1}
	c.PipeBA = [2]int{-1, -1}
	c.events = 0
	c.flags = 0
	c.ARead, c.AWritten, c.BRead, c.BWritten = 0, 0, 0, 0
	c.TraceID = uuid.UUID{}
}
