//go:build linux

// Package pollgroup implements LibMary's poll-based I/O readiness group
// (spec.md component C5) on top of Linux epoll: a registry of pollables
// identified by file descriptor, a blocking readiness wait, and a
// self-pipe "trigger" primitive that wakes the wait from any goroutine.
package pollgroup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erdizz/libmary/internal/deferred"
	"github.com/erdizz/libmary/internal/object"
)

// EventFlags is a subset of {Input, Output, Error, Hup}, matching the
// pollable contract in spec.md §6.
type EventFlags uint8

const (
	Input EventFlags = 1 << iota
	Output
	Error
	Hup
)

func (f EventFlags) Has(bit EventFlags) bool { return f&bit != 0 }

// Feedback is handed to a pollable via SetFeedback so it can re-arm its
// own interest after each dispatch, without needing a reference back to
// the owning PollGroup.
type Feedback struct {
	RequestInput  func()
	RequestOutput func()
}

// Pollable is the contract a poll group dispatches events to (spec.md §6:
// "A pollable exposes {event_flags, fd, set_feedback(feedback)}").
type Pollable interface {
	Fd() int
	SetFeedback(fb Feedback)
	Dispatch(flags EventFlags)
}

// Key identifies a registered pollable, returned by AddPollable and
// required by RemovePollable.
type Key struct {
	entry *pollableEntry
}

type pollableEntry struct {
	fd        int
	pollable  Pollable
	weakOwner *object.WeakRef

	needOutput int32 // atomic bool: EPOLLOUT currently armed
	valid      int32 // atomic bool: false once removed
}

// readyEntry pairs a selected pollable with the readiness flags observed
// for it during this wait cycle, so translation from raw epoll bits to
// EventFlags happens once, under the registry lock, rather than being
// re-derived at dispatch time.
type readyEntry struct {
	entry *pollableEntry
	flags EventFlags
}

// PollGroup owns one epoll instance and the pollables registered with it.
// Open one per goroutine that will act as an event loop; Poll must only be
// called from that one goroutine, but AddPollable, RemovePollable and
// Trigger are safe from any goroutine.
type PollGroup struct {
	epfd int

	pipeRead  int
	pipeWrite int

	mu       sync.Mutex
	entries  map[int]*pollableEntry // by fd
	selected []readyEntry

	triggered int32 // atomic bool

	deferredProc *deferred.Processor
	localCtx     *object.LocalContext

	eventBuf []unix.EpollEvent
}

// Open creates a poll group. proc is the deferred processor drained first
// in every wait cycle (spec.md §4.5 step 1); it may be nil if this poll
// group has no deferred work of its own. lc is the LocalContext of the
// goroutine that will call Poll, used so that dispatched callbacks which
// tear down objects under a state mutex defer correctly; it may be nil.
func Open(proc *deferred.Processor, lc *object.LocalContext) (*PollGroup, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("pollgroup: epoll_create1: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("pollgroup: pipe2: %w", err)
	}

	g := &PollGroup{
		epfd:         epfd,
		pipeRead:     fds[0],
		pipeWrite:    fds[1],
		entries:      make(map[int]*pollableEntry),
		deferredProc: proc,
		localCtx:     lc,
		eventBuf:     make([]unix.EpollEvent, 256),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, g.pipeRead, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(g.pipeRead),
	}); err != nil {
		g.Close()
		return nil, fmt.Errorf("pollgroup: registering trigger pipe: %w", err)
	}

	if proc != nil {
		// A task scheduled from any goroutine other than this one must wake
		// a blocked Poll promptly rather than waiting for the next natural
		// readiness event (SPEC_FULL.md §9's resolution for cross-goroutine
		// scheduling).
		proc.SetTrigger(g.Trigger)
	}

	return g, nil
}

// Close releases the epoll instance and the trigger pipe. The poll group
// must not be used afterward.
func (g *PollGroup) Close() error {
	unix.Close(g.pipeRead)
	unix.Close(g.pipeWrite)
	return unix.Close(g.epfd)
}

// AddPollable registers p, guarded by a weak reference to owner. Dispatch
// never runs once owner has been torn down, even if the fd is still ready
// (spec.md I4 applied to C5). Input and error/hangup interest is armed
// immediately; output interest is armed only once the pollable calls
// RequestOutput via its Feedback.
func (g *PollGroup) AddPollable(p Pollable, owner *object.Object) (Key, error) {
	entry := &pollableEntry{
		fd:        p.Fd(),
		pollable:  p,
		weakOwner: owner.Weak(),
		valid:     1,
	}

	g.mu.Lock()
	g.entries[entry.fd] = entry
	g.mu.Unlock()

	p.SetFeedback(Feedback{
		RequestInput:  func() { g.rearm(entry) },
		RequestOutput: func() { g.armOutput(entry) },
	})

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLET, Fd: int32(entry.fd)}
	if err := unix.EpollCtl(g.epfd, unix.EPOLL_CTL_ADD, entry.fd, &ev); err != nil {
		g.mu.Lock()
		delete(g.entries, entry.fd)
		g.mu.Unlock()
		return Key{}, fmt.Errorf("pollgroup: epoll_ctl add fd %d: %w", entry.fd, err)
	}

	return Key{entry: entry}, nil
}

// RemovePollable marks key's entry invalid and unregisters its fd. Safe to
// call from within a dispatch callback for the same entry or any other
// (spec.md P3): once this returns, no further dispatch to the pollable
// will occur, and an in-flight dispatch walk skips it if it has not been
// reached yet.
func (g *PollGroup) RemovePollable(key Key) {
	entry := key.entry
	if entry == nil || !atomic.CompareAndSwapInt32(&entry.valid, 1, 0) {
		return
	}

	g.mu.Lock()
	delete(g.entries, entry.fd)
	g.mu.Unlock()

	unix.EpollCtl(g.epfd, unix.EPOLL_CTL_DEL, entry.fd, nil)
}

func (g *PollGroup) rearm(entry *pollableEntry) {
	if atomic.LoadInt32(&entry.valid) == 0 {
		return
	}
	events := uint32(unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLET)
	if atomic.LoadInt32(&entry.needOutput) == 1 {
		events |= unix.EPOLLOUT
	}
	unix.EpollCtl(g.epfd, unix.EPOLL_CTL_MOD, entry.fd, &unix.EpollEvent{Events: events, Fd: int32(entry.fd)})
}

func (g *PollGroup) armOutput(entry *pollableEntry) {
	atomic.StoreInt32(&entry.needOutput, 1)
	g.rearm(entry)
}

// Trigger wakes the goroutine currently blocked in Poll, or ensures the
// next Poll call returns immediately if none is currently blocked
// (spec.md P5). Idempotent under concurrent calls.
func (g *PollGroup) Trigger() {
	if !atomic.CompareAndSwapInt32(&g.triggered, 0, 1) {
		return
	}
	buf := [1]byte{1}
	for {
		_, err := unix.Write(g.pipeWrite, buf[:])
		if err == unix.EAGAIN || err == unix.EINTR {
			if err == unix.EINTR {
				continue
			}
			return
		}
		return
	}
}

func (g *PollGroup) drainTriggerPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(g.pipeRead, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	atomic.StoreInt32(&g.triggered, 0)
}

// Poll runs one wait cycle (spec.md §4.5): drain the deferred processor,
// block in epoll_wait bounded by timeout, then dispatch every ready
// pollable in the order epoll_wait returned them. Call it repeatedly from
// the goroutine that owns this poll group. A timeout of zero (also used
// whenever the leading drain found pending tasks) polls without blocking;
// a negative timeout blocks indefinitely until an fd is ready or Trigger
// is called.
func (g *PollGroup) Poll(timeout time.Duration) error {
	if g.deferredProc != nil {
		before := g.deferredProc.Pending()
		g.deferredProc.Drain()
		if before > 0 {
			timeout = 0
		}
	}

	msec := -1
	if timeout > 0 {
		msec = int(timeout.Milliseconds())
		if msec == 0 {
			msec = 1
		}
	} else if timeout == 0 {
		msec = 0
	}

	n, err := unix.EpollWait(g.epfd, g.eventBuf, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("pollgroup: epoll_wait: %w", err)
	}

	pipeReady := false
	g.mu.Lock()
	g.selected = g.selected[:0]
	for i := 0; i < n; i++ {
		ev := g.eventBuf[i]
		fd := int(ev.Fd)
		if fd == g.pipeRead {
			pipeReady = true
			continue
		}
		entry, ok := g.entries[fd]
		if !ok {
			continue
		}
		g.selected = append(g.selected, readyEntry{entry: entry, flags: translate(ev.Events)})
	}
	batch := make([]readyEntry, len(g.selected))
	copy(batch, g.selected)
	g.mu.Unlock()

	for _, ready := range batch {
		g.dispatch(ready.entry, ready.flags)
	}

	if pipeReady {
		g.drainTriggerPipe()
	}

	if g.localCtx != nil {
		g.localCtx.DrainDeletions()
	}

	return nil
}

func translate(events uint32) EventFlags {
	var flags EventFlags
	if events&unix.EPOLLIN != 0 {
		flags |= Input
	}
	if events&unix.EPOLLOUT != 0 {
		flags |= Output
	}
	if events&unix.EPOLLERR != 0 {
		flags |= Error
	}
	if events&unix.EPOLLHUP != 0 {
		flags |= Hup
	}
	return flags
}

// dispatch upgrades entry's owner and invokes the pollable's event method
// once with the combined flag set (spec.md §4.5 step 5). An entry that was
// removed between being selected and being dispatched is skipped.
func (g *PollGroup) dispatch(entry *pollableEntry, flags EventFlags) {
	if atomic.LoadInt32(&entry.valid) == 0 {
		return
	}

	owner, ok := entry.weakOwner.Upgrade()
	if !ok {
		return
	}
	defer owner.UnrefIn(g.localCtx)

	entry.pollable.Dispatch(flags)
}
