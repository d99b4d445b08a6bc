// Package pipepool maintains a pool of pre-opened anonymous pipes used
// by the TCP splice engine, sized by probing the kernel's maximum
// usable pipe buffer. Grounded on
// original_source/tcp_splice.c's tcp_set_pipe_size/
// tcp_splice_pipe_refill/splice_pipe_pool.
package pipepool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxPipeSize is the starting point for the probe, halved on failure.
const MaxPipeSize = 8 * 1024 * 1024

// PoolSize is the number of pre-opened pipe pairs kept ready.
const PoolSize = 16

// Pair is one pipe's [read-fd, write-fd].
type Pair [2]int

// Empty is the sentinel for an unfilled pair slot.
var Empty = Pair{-1, -1}

// slot holds the two pipe pairs a single spliced connection needs: one
// for each direction.
type slot struct {
	ab, ba Pair
}

// Pool is a fixed-capacity ring of pre-opened pipe-pair slots.
type Pool struct {
	size  int
	slots []slot
}

// New creates an empty pool; call ProbeSize then Refill before use.
func New() *Pool {
	p := &Pool{size: MaxPipeSize, slots: make([]slot, PoolSize)}
	for i := range p.slots {
		p.slots[i] = slot{ab: Empty, ba: Empty}
	}
	return p
}

// PipeSize returns the probed usable pipe size.
func (p *Pool) PipeSize() int { return p.size }

// ProbeSize finds the largest pipe buffer size the kernel will honor
// for 2*PoolSize simultaneous pipes, starting at MaxPipeSize and
// halving on F_SETPIPE_SZ failure.
func (p *Pool) ProbeSize() {
	p.size = MaxPipeSize

smaller:
	probed := make([]Pair, 0, PoolSize*2)
	ok := true
	for i := 0; i < PoolSize*2; i++ {
		var fds [2]int
		if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
			ok = false
			break
		}
		probed = append(probed, Pair{fds[0], fds[1]})
		if err := unix.FcntlInt(uintptr(fds[0]), unix.F_SETPIPE_SZ, p.size); err != nil {
			ok = false
			break
		}
	}
	for _, pr := range probed {
		unix.Close(pr[0])
		unix.Close(pr[1])
	}
	if ok && len(probed) == PoolSize*2 {
		return
	}
	p.size /= 2
	if p.size == 0 {
		p.size = MaxPipeSize
		return
	}
	goto smaller
}

// Refill tops up empty slots with fresh, sized, non-blocking pipe
// pairs, walking from the first slot and stopping at the first slot
// that is still filled; empty slots after it are left as they are.
// Best-effort: a slot that fails to open is skipped and stays empty
// until a later call reaches it.
func (p *Pool) Refill() {
	for i := range p.slots {
		if p.slots[i].ab[0] >= 0 {
			break
		}
		var ab, ba [2]int
		if err := unix.Pipe2(ab[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
			continue
		}
		if err := unix.Pipe2(ba[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
			unix.Close(ab[0])
			unix.Close(ab[1])
			continue
		}
		_ = unix.FcntlInt(uintptr(ab[0]), unix.F_SETPIPE_SZ, p.size)
		_ = unix.FcntlInt(uintptr(ba[0]), unix.F_SETPIPE_SZ, p.size)
		p.slots[i] = slot{ab: Pair(ab), ba: Pair(ba)}
	}
}

// Take removes a pipe pair from the pool if one is available, or
// opens a fresh pair sized to the probed maximum.
func (p *Pool) Take() (ab, ba Pair, err error) {
	for i := range p.slots {
		if p.slots[i].ab[0] >= 0 {
			ab, ba = p.slots[i].ab, p.slots[i].ba
			p.slots[i] = slot{ab: Empty, ba: Empty}
			return ab, ba, nil
		}
	}

	var abf, baf [2]int
	if err := unix.Pipe2(abf[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return Empty, Empty, fmt.Errorf("pipepool: pipe2 a->b: %w", err)
	}
	if err := unix.Pipe2(baf[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(abf[0])
		unix.Close(abf[1])
		return Empty, Empty, fmt.Errorf("pipepool: pipe2 b->a: %w", err)
	}
	_ = unix.FcntlInt(uintptr(abf[0]), unix.F_SETPIPE_SZ, p.size)
	_ = unix.FcntlInt(uintptr(baf[0]), unix.F_SETPIPE_SZ, p.size)
	return Pair(abf), Pair(baf), nil
}
