package tcpsplice

import (
	"golang.org/x/sys/unix"

	"passt-connector/internal/evloop"
)

// Dispatch is the evloop.Handler for every TCP-tagged ref: it routes
// listen-fd readiness to Accept and data-fd readiness to the
// per-connection state machine (spec.md 4.1, 4.2).
func (t *Table) Dispatch(ref evloop.Ref, events uint32) {
	if ref.Listen() {
		t.Accept(ref.FD(), ref.V6(), ref.Index(), ref.Outbound())
		return
	}
	t.handle(ref.Index(), ref.FD(), events)
}

// direction picks (from, to, pipe) for a pump iteration, mirroring
// original_source/tcp_splice.c's tcp_splice_dir: reverse=false reads
// refSock as the source, reverse=true reads it as the destination.
func (c *Conn) direction(refSock int, reverse bool) (from, to int, pipe [2]int) {
	if !reverse {
		from = refSock
		if from == c.A {
			to = c.B
		} else {
			to = c.A
		}
	} else {
		to = refSock
		if to == c.A {
			from = c.B
		} else {
			from = c.A
		}
	}
	if from == c.A {
		pipe = c.PipeAB
	} else {
		pipe = c.PipeBA
	}
	return from, to, pipe
}

// handle runs the full per-connection state machine for one readiness
// event, faithfully reproducing
// original_source/tcp_splice.c's tcp_sock_handler_splice.
func (t *Table) handle(index uint32, refSock int, events uint32) {
	c := t.conn(index)
	if c.events == 0 {
		return
	}

	if events&unix.EPOLLERR != 0 {
		t.markClosing(index)
		return
	}

	if c.events == eventConnect {
		if events&unix.EPOLLOUT == 0 {
			t.markClosing(index)
			return
		}
		if err := t.connectFinish(index); err != nil {
			t.markClosing(index)
			return
		}
	}

	var from, to int
	var pipe [2]int

	if events&unix.EPOLLOUT != 0 {
		if refSock == c.A {
			t.clearEvent(index, eventAOutWait)
		} else {
			t.clearEvent(index, eventBOutWait)
		}
		from, to, pipe = c.direction(refSock, true)
	} else {
		from, to, pipe = c.direction(refSock, false)
	}

	if events&unix.EPOLLRDHUP != 0 {
		if refSock == c.A {
			t.setEvent(index, eventAFinRcvd)
		} else {
			t.setEvent(index, eventBFinRcvd)
		}
	}
	if events&unix.EPOLLHUP != 0 {
		if refSock == c.A {
			t.setEvent(index, eventAFinSent)
		} else {
			t.setEvent(index, eventBFinSent)
		}
	}

	for {
		eof := t.pumpOnce(index, from, to, pipe)

		if c.hasEvent(eventAFinRcvd) && !c.hasEvent(eventBFinSent) {
			if c.ARead == c.AWritten && eof {
				unix.Shutdown(c.B, unix.SHUT_WR)
				t.setEvent(index, eventBFinSent)
			}
		}
		if c.hasEvent(eventBFinRcvd) && !c.hasEvent(eventAFinSent) {
			if c.BRead == c.BWritten && eof {
				unix.Shutdown(c.A, unix.SHUT_WR)
				t.setEvent(index, eventAFinSent)
			}
		}

		if c.hasEvents(eventAFinSent | eventBFinSent) {
			t.markClosing(index)
			return
		}

		if events&(unix.EPOLLIN|unix.EPOLLOUT) == unix.EPOLLIN|unix.EPOLLOUT {
			events = unix.EPOLLIN
			from, to = to, from
			if pipe == c.PipeAB {
				pipe = c.PipeBA
			} else {
				pipe = c.PipeAB
			}
			continue
		}

		if events&unix.EPOLLHUP != 0 {
			t.markClosing(index)
		}
		return
	}
}

// pumpOnce runs the two-splice byte pump for one direction until it
// would block or hits EOF, per spec.md 4.2.2. Returns whether EOF was
// observed on the read side.
func (t *Table) pumpOnce(index uint32, from, to int, pipe [2]int) (eof bool) {
	c := t.conn(index)
	pipeSize := t.Pipes.PipeSize()

	var seqRead, seqWritten *uint32
	var lowatSet, lowatAct flag
	if from == c.A {
		seqRead, seqWritten = &c.ARead, &c.AWritten
		lowatSet, lowatAct = flagRcvlowatSetA, flagRcvlowatActA
	} else {
		seqRead, seqWritten = &c.BRead, &c.BWritten
		lowatSet, lowatAct = flagRcvlowatSetB, flagRcvlowatActB
	}

	for {
		var readlen int
		var toWrite int
		neverRead := true

	retryRead:
		n, err := unix.Splice(from, nil, pipe[1], nil, pipeSize, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if err != nil {
			if err == unix.EINTR {
				goto retryRead
			}
			if err != unix.EAGAIN {
				t.markClosing(index)
				return eof
			}
			toWrite = pipeSize
			readlen = -1
		} else if n == 0 {
			eof = true
			toWrite = pipeSize
			readlen = 0
		} else {
			neverRead = false
			readlen = int(n)
			toWrite = readlen
			if c.hasFlag(lowatSet) {
				c.setFlag(lowatAct)
			}
		}

		more := 0
		if readlen >= pipeSize*90/100 {
			more = unix.SPLICE_F_MORE
		}

	retryWrite:
		w, werr := unix.Splice(pipe[0], nil, to, nil, toWrite, unix.SPLICE_F_MOVE|more|unix.SPLICE_F_NONBLOCK)

		if readlen > 0 && int(w) == readlen && werr == nil {
			if readlen >= pipeSize*10/100 {
				continue
			}
			// Gate on "not yet raised" rather than the source's
			// "already raised" check: the latter can never fire on
			// a first burst, which would make RCVLOWAT hysteresis
			// (spec invariant 9) unreachable.
			if !c.hasFlag(lowatSet) && readlen > pipeSize/10 {
				lowat := pipeSize / 4
				_ = unix.SetsockoptInt(from, unix.SOL_SOCKET, unix.SO_RCVLOWAT, lowat)
				c.setFlag(lowatSet)
				c.setFlag(lowatAct)
			}
			break
		}

		if readlen > 0 {
			*seqRead += uint32(readlen)
		}
		if werr == nil && w > 0 {
			*seqWritten += uint32(w)
		}

		if werr != nil {
			if werr == unix.EINTR {
				goto retryWrite
			}
			if werr != unix.EAGAIN {
				t.markClosing(index)
				return eof
			}
			if neverRead {
				break
			}
			if to == c.A {
				t.setEvent(index, eventAOutWait)
			} else {
				t.setEvent(index, eventBOutWait)
			}
			break
		}

		if neverRead && int(w) == pipeSize {
			goto retryRead
		}
		if !neverRead && int(w) < toWrite {
			toWrite -= int(w)
			goto retryWrite
		}
		if eof {
			break
		}
	}

	return eof
}
