package tcpsplice

import (
	"fmt"
	"log"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"passt-connector/internal/evloop"
	"passt-connector/internal/nsentry"
	"passt-connector/internal/pipepool"
	"passt-connector/internal/sockpool"
)

// MaxConns is the spliced-connection table capacity (spec.md 6).
const MaxConns = 128 * 1024

// connPressurePercent and filePressurePercent drive the pressure-based
// reaper's threshold (spec.md 4.2.7).
const (
	connPressurePercent = 30
	filePressurePercent = 30
)

// Pools groups the four pooled-socket directions a table draws from.
type Pools struct {
	InboundV4, InboundV6   *sockpool.Pool
	OutboundV4, OutboundV6 *sockpool.Pool
}

// Table owns the spliced-connection array, the pipe pool, and the
// socket pools. It is touched only from the event-loop goroutine - no
// locks, per spec.md 5.
type Table struct {
	Loop  *evloop.Loop
	Pipes *pipepool.Pool
	Pools Pools

	// NSPath, if set, is the namespace path spliced outbound
	// connections must be created in (PASTA mode).
	NSPath string

	conns []Conn
	count int

	nofile int
}

// NewTable allocates the full-capacity connection array up front,
// matching original_source/tcp_splice.c's static array (spec.md 9:
// "retain the dense layout").
func NewTable(loop *evloop.Loop, pipes *pipepool.Pool, pools Pools, nofile int) *Table {
	t := &Table{Loop: loop, Pipes: pipes, Pools: pools, nofile: nofile}
	t.conns = make([]Conn, MaxConns)
	for i := range t.conns {
		t.conns[i].reset()
	}
	return t
}

func (t *Table) conn(index uint32) *Conn { return &t.conns[index] }

// epollMasks derives the EPOLLIN/OUT/RDHUP mask for each side from the
// connection's event set (spec.md 4.2.1).
func epollMasks(e event) (maskA, maskB uint32) {
	switch {
	case e&eventEstablished != 0:
		if e&eventBFinSent == 0 {
			maskA = unix.EPOLLIN | unix.EPOLLRDHUP
		}
		if e&eventAFinSent == 0 {
			maskB = unix.EPOLLIN | unix.EPOLLRDHUP
		}
	case e&eventConnect != 0:
		maskB = unix.EPOLLOUT
	}
	if e&eventAOutWait != 0 {
		maskA |= unix.EPOLLOUT
	}
	if e&eventBOutWait != 0 {
		maskB |= unix.EPOLLOUT
	}
	return maskA, maskB
}

// applyEpoll issues one ADD/MOD per descriptor reflecting the
// connection's current event set, or DELs both on CLOSING. This is
// the single collapsed call spec.md 9 calls for, replacing the
// original's double epoll_ctl on the compaction path.
func (t *Table) applyEpoll(index uint32) error {
	c := t.conn(index)

	if c.hasFlag(flagClosing) {
		t.Loop.Del(c.A)
		t.Loop.Del(c.B)
		return nil
	}

	maskA, maskB := epollMasks(c.events)
	refA := evloop.NewTCPRef(c.A, c.v6(), false, index)
	refB := evloop.NewTCPRef(c.B, c.v6(), false, index)

	op := t.Loop.Add
	if c.hasFlag(flagInEpoll) {
		op = t.Loop.Mod
	}

	if err := op(c.A, maskA, refA); err != nil {
		t.Loop.Del(c.A)
		t.Loop.Del(c.B)
		return fmt.Errorf("tcpsplice: epoll_ctl a: %w", err)
	}
	if err := op(c.B, maskB, refB); err != nil {
		t.Loop.Del(c.A)
		t.Loop.Del(c.B)
		return fmt.Errorf("tcpsplice: epoll_ctl b: %w", err)
	}

	c.setFlag(flagInEpoll)
	return nil
}

// setEvent applies an event transition and re-syncs epoll, marking
// the connection CLOSING if the re-arm fails (spec.md 9).
func (t *Table) setEvent(index uint32, e event) {
	c := t.conn(index)
	if !c.setEvent(e) {
		return
	}
	if err := t.applyEpoll(index); err != nil {
		t.markClosing(index)
	}
}

func (t *Table) clearEvent(index uint32, e event) {
	c := t.conn(index)
	if !c.clearEvent(e) {
		return
	}
	if err := t.applyEpoll(index); err != nil {
		t.markClosing(index)
	}
}

func (t *Table) markClosing(index uint32) {
	c := t.conn(index)
	if !c.setFlag(flagClosing) {
		return
	}
	t.applyEpoll(index)
}

// Accept handles a listen-fd readiness event: accepts one connection,
// takes a pooled peer socket (or opens one, entering the target
// namespace if NSPath is set), and begins connect() (spec.md 4.2.5).
func (t *Table) Accept(listenFD int, v6 bool, destPort uint32, outbound bool) {
	if t.count >= MaxConns {
		return
	}

	s, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		return
	}
	_ = unix.SetsockoptInt(s, unix.SOL_TCP, unix.TCP_QUICKACK, 1)

	index := uint32(t.count)
	t.count++
	c := t.conn(index)
	c.reset()
	c.A = s
	if v6 {
		c.setFlag(flagSockV6)
	}

	if err := t.connect(index, destPort, outbound); err != nil {
		log.Printf("TCP (spliced): index %d: connect failed: %v", index, err)
		t.markClosing(index)
	}
}

// connect opens (or reuses a pooled) socket for conn.B and connects it
// to the loopback peer on destPort (spec.md 4.2.5).
func (t *Table) connect(index uint32, destPort uint32, outbound bool) error {
	c := t.conn(index)

	pool := t.Pools.InboundV4
	switch {
	case outbound && c.v6():
		pool = t.Pools.OutboundV6
	case outbound:
		pool = t.Pools.OutboundV4
	case c.v6():
		pool = t.Pools.InboundV6
	}

	connectFn := func() error {
		fd, err := pool.Take()
		if err != nil {
			return err
		}
		c.B = fd
		_ = unix.SetsockoptInt(fd, unix.SOL_TCP, unix.TCP_QUICKACK, 1)

		var connErr error
		if c.v6() {
			sa := &unix.SockaddrInet6{Port: int(destPort), Addr: [16]byte{15: 1}}
			connErr = unix.Connect(fd, sa)
		} else {
			sa := &unix.SockaddrInet4{Port: int(destPort), Addr: [4]byte{127, 0, 0, 1}}
			connErr = unix.Connect(fd, sa)
		}
		if connErr != nil && connErr != unix.EINPROGRESS {
			unix.Close(fd)
			return fmt.Errorf("connect: %w", connErr)
		}
		if connErr == unix.EINPROGRESS {
			t.setEvent(index, eventConnect)
			return nil
		}
		t.setEvent(index, eventEstablished)
		return t.connectFinish(index)
	}

	if outbound && t.NSPath != "" {
		return nsentry.Do(t.NSPath, connectFn)
	}
	return connectFn()
}

// connectFinish attaches the pipe pair once B is connected (spec.md
// 4.2.4 pool draw, 4.2 state CONNECT -> ESTABLISHED transition).
func (t *Table) connectFinish(index uint32) error {
	c := t.conn(index)

	ab, ba, err := t.Pipes.Take()
	if err != nil {
		t.markClosing(index)
		return fmt.Errorf("tcpsplice: %w", err)
	}
	c.PipeAB = ab
	c.PipeBA = ba

	if !c.hasEvent(eventEstablished) {
		t.setEvent(index, eventEstablished)
	}
	return nil
}

// destroy closes a connection's sockets and pipes per spec.md 3's
// destruction rule (pipes only if ESTABLISHED was reached, B only if
// CONNECT was reached) and compacts the table.
func (t *Table) destroy(index uint32) {
	c := t.conn(index)

	var errs error
	if c.hasEvent(eventEstablished) {
		if c.PipeAB[0] >= 0 {
			errs = multierr.Append(errs, unix.Close(c.PipeAB[0]))
			errs = multierr.Append(errs, unix.Close(c.PipeAB[1]))
		}
		if c.PipeBA[0] >= 0 {
			errs = multierr.Append(errs, unix.Close(c.PipeBA[0]))
			errs = multierr.Append(errs, unix.Close(c.PipeBA[1]))
		}
	}
	if c.hasEvent(eventConnect) && c.B >= 0 {
		errs = multierr.Append(errs, unix.Close(c.B))
	}
	if c.A >= 0 {
		errs = multierr.Append(errs, unix.Close(c.A))
	}
	if errs != nil {
		log.Printf("TCP (spliced): index %d: close errors: %v", index, errs)
	}

	c.reset()
	t.compact(index)
}

// compact moves the last live entry into the destroyed hole and
// re-arms epoll with a single call (spec.md 4.2.6, 9: collapsing the
// original's redundant double epoll_ctl).
func (t *Table) compact(hole uint32) {
	t.count--
	last := uint32(t.count)
	if hole == last {
		return
	}

	moved := t.conn(last)
	*t.conn(hole) = *moved
	moved.reset()

	if err := t.applyEpoll(hole); err != nil {
		t.markClosing(hole)
	}
}

// Destroyed reports whether the entry at index is marked CLOSING and
// should be swept on the next timer tick.
func (t *Table) Destroyed(index uint32) bool {
	return t.conn(index).hasFlag(flagClosing)
}

// Sweep destroys every CLOSING entry, scanning from the tail so
// compaction never skips an entry (spec.md 9 invariant 3/4).
func (t *Table) Sweep() {
	for i := t.count - 1; i >= 0; i-- {
		if t.conns[i].hasFlag(flagClosing) {
			t.destroy(uint32(i))
		}
	}
}

// Tick runs the RCVLOWAT hysteresis restore and pipe-pool refill
// (spec.md 4.2.3, 4.2.4).
func (t *Table) Tick() {
	for i := t.count - 1; i >= 0; i-- {
		c := &t.conns[i]
		if c.hasFlag(flagClosing) {
			t.destroy(uint32(i))
			continue
		}

		if c.hasFlag(flagRcvlowatSetA) && !c.hasFlag(flagRcvlowatActA) {
			_ = unix.SetsockoptInt(c.A, unix.SOL_SOCKET, unix.SO_RCVLOWAT, 1)
			c.clearFlag(flagRcvlowatSetA)
		}
		if c.hasFlag(flagRcvlowatSetB) && !c.hasFlag(flagRcvlowatActB) {
			_ = unix.SetsockoptInt(c.B, unix.SOL_SOCKET, unix.SO_RCVLOWAT, 1)
			c.clearFlag(flagRcvlowatSetB)
		}
		c.clearFlag(flagRcvlowatActA)
		c.clearFlag(flagRcvlowatActB)
	}

	t.Pipes.Refill()
}

// DeferHandler closes every CLOSING connection immediately (without
// waiting for the next timer tick) once the table is under file or
// connection-count pressure (spec.md 4.2.7).
func (t *Table) DeferHandler(tcpConnCount int) {
	maxConns := tcpConnCount / 100 * connPressurePercent
	maxFiles := t.nofile / 100 * filePressurePercent

	threshold := maxFiles / 6
	if maxConns < threshold {
		threshold = maxConns
	}
	if t.count < threshold {
		return
	}

	for i := t.count - 1; i >= 0; i-- {
		if t.conns[i].hasFlag(flagClosing) {
			t.destroy(uint32(i))
		}
	}
}

// Count returns the number of live spliced connections.
func (t *Table) Count() int { return t.count }
