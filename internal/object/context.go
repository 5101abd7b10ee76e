package object

import "sync"

// LocalContext stands in for LibMary's thread-local state (spec.md §5):
// the state-mutex reentrancy depth and the deferred deletion queue that
// together guarantee a destructor never runs while the calling goroutine
// holds a StateMutex. Create exactly one LocalContext per goroutine that
// owns an event loop (spec.md: "each thread may own at most one poll group
// as its event loop") and pass it to every StateMutex lock/unlock and every
// UnrefIn call made from that goroutine. A LocalContext is not safe for
// concurrent use by more than one goroutine.
type LocalContext struct {
	depth int

	deletionQueue []*Object
	draining      bool
}

// NewLocalContext creates an empty context for the calling goroutine.
func NewLocalContext() *LocalContext {
	return &LocalContext{}
}

func (lc *LocalContext) stateMutexDepth() int {
	if lc == nil {
		return 0
	}
	return lc.depth
}

func (lc *LocalContext) enqueueDeletion(o *Object) {
	lc.deletionQueue = append(lc.deletionQueue, o)
}

// DrainDeletions runs finishDelete for every Object that was deferred while
// this context's state-mutex depth was above zero. Call it once the
// goroutine has released all of its StateMutexes (typically right after the
// outermost StateMutex.Unlock returns to depth zero, or once per event-loop
// iteration). It is safe to call even when the queue is empty.
func (lc *LocalContext) DrainDeletions() {
	if lc == nil || lc.draining || len(lc.deletionQueue) == 0 {
		return
	}
	lc.draining = true
	defer func() { lc.draining = false }()

	for len(lc.deletionQueue) > 0 {
		pending := lc.deletionQueue
		lc.deletionQueue = nil
		for _, o := range pending {
			o.finishDelete()
		}
	}
}

// StateMutex is a mutex that guards state whose modification may trigger
// object destruction (spec.md §5's "state mutex", as opposed to a "regular"
// sync.Mutex which never interacts with a LocalContext). Locking and
// unlocking it through a LocalContext tracks reentrancy depth so that
// Object.UnrefIn can tell whether it is safe to run a destructor inline or
// must defer it to the context's deletion queue.
type StateMutex struct {
	mu sync.Mutex
}

// Lock acquires the mutex and records the acquisition against lc (lc may be
// nil, in which case depth tracking is skipped and UnrefIn behaves like
// Unref).
func (s *StateMutex) Lock(lc *LocalContext) {
	s.mu.Lock()
	if lc != nil {
		lc.depth++
	}
}

// Unlock releases the mutex. If this was the outermost StateMutex held by
// lc, its deferred deletion queue is drained automatically, matching
// spec.md §5's description of when queued destructors finally run.
func (s *StateMutex) Unlock(lc *LocalContext) {
	s.mu.Unlock()
	if lc == nil {
		return
	}
	lc.depth--
	if lc.depth == 0 {
		lc.DrainDeletions()
	}
}
