package evloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Handler receives a decoded Ref and the raw epoll event mask.
type Handler func(ref Ref, events uint32)

// Loop is the single readiness-wait owner. Every fd registered with it
// must be non-blocking; handlers never block. There is exactly one
// suspension point per iteration, per spec.md 5 (Concurrency & Resource
// Model).
type Loop struct {
	epfd    int
	handler Handler
	events  []unix.EpollEvent
}

// New creates an epoll instance. handler is invoked once per ready fd
// for each call to Wait.
func New(handler Handler) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		handler: handler,
		events:  make([]unix.EpollEvent, 256),
	}, nil
}

func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Add registers fd with the given readiness mask and opaque ref. The
// 64-bit ref is split across the event's Fd/Pad fields (the kernel
// treats epoll_event.data as an opaque 8-byte blob; golang.org/x/sys
// exposes it as two int32 fields rather than a union).
func (l *Loop) Add(fd int, mask uint32, ref Ref) error {
	ev := packEvent(mask, ref)
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Mod rearms fd with a new readiness mask and ref.
func (l *Loop) Mod(fd int, mask uint32, ref Ref) error {
	ev := packEvent(mask, ref)
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func packEvent(mask uint32, ref Ref) unix.EpollEvent {
	ev := unix.EpollEvent{Events: mask}
	ev.Fd = int32(uint32(ref))
	ev.Pad = int32(uint32(ref >> 32))
	return ev
}

func unpackRef(ev *unix.EpollEvent) Ref {
	return Ref(uint32(ev.Fd)) | Ref(uint32(ev.Pad))<<32
}

// Del deregisters fd. Per spec.md 8 invariant 3, this must happen
// within one timer tick of a connection entering CLOSING.
func (l *Loop) Del(fd int) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for readiness (the loop's one suspension point) and
// dispatches every ready fd to the handler. timeoutMS of -1 blocks
// indefinitely; callers that need periodic timer ticks (RCVLOWAT
// restore, UDP aging, pipe refill) should pass a positive timeout.
func (l *Loop) Wait(timeoutMS int) (n int, err error) {
	for {
		n, err = unix.EpollWait(l.epfd, l.events, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		break
	}
	for i := 0; i < n; i++ {
		l.handler(unpackRef(&l.events[i]), l.events[i].Events)
	}
	return n, nil
}
