// Package object implements LibMary's reference-counted, weakly
// referenceable object model (spec.md component C1/C2): a thread-safe
// object whose destruction cooperates with outstanding weak references
// and with a deletion-subscription protocol that lets unrelated objects
// observe each other's teardown without ever dangling.
package object

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
)

// Finalizer runs once, after every deletion subscription has fired, right
// before the Object becomes eligible for garbage collection. It is the Go
// analogue of a C++ destructor body.
type Finalizer func()

// DeletionCallback is invoked when the owning Object is torn down. data is
// whatever was passed to AddDeletionCallback.
type DeletionCallback func(data any)

// shadow is the separately allocated record shared between an Object and
// every WeakRef handed out for it (spec.md "Shadow" in the glossary). It is
// created lazily by the first call to Weak().
type shadow struct {
	mu      sync.Mutex
	weakPtr *Object // nil once the object has begun teardown (invariant I2)

	// lastRefCount is the outstanding-teardown ticket count described in
	// spec.md §4.1 last_unref step 6. It starts at 1 (the object's own
	// eventual drop to zero) and gains one ticket per resurrection raced
	// in through WeakRef.Upgrade; only the call that decrements it to zero
	// actually proceeds with teardown.
	lastRefCount int32
}

// deletionSubscription is spec.md's DeletionSubscription. During normal
// life peerWeak (if set) points at the guard object whose death also
// invalidates this subscription. During the freeze step of last_unref,
// target is populated with a strong reference to that peer (or to the
// subject itself, for self-subscriptions) so the drain in do_delete can
// walk the list without holding any lock and without racing the peer's
// own teardown.
type deletionSubscription struct {
	elem *list.Element

	cb     DeletionCallback
	cbData any

	peerWeak   *WeakRef
	mutualKey  DeletionKey // set when a mirror subscription was registered on the peer
	selfTarget bool        // true when peerWeak's object is the subject itself

	target *Object // populated only during the freeze step of last_unref
}

// DeletionKey is an opaque handle returned by AddDeletionCallback, required
// to later call RemoveDeletionCallback. The zero value is not a valid key.
type DeletionKey struct {
	owner *Object
	sub   *deletionSubscription
}

// Valid reports whether k refers to a live subscription handle.
func (k DeletionKey) Valid() bool { return k.sub != nil }

// Object is the base of every heap entity that may be shared across
// goroutines and may have weak observers. Embed it (or hold one) in any
// type that needs ref-counted, weakly-referenceable lifetime.
type Object struct {
	strongCount int32 // atomic; reaches zero exactly once (invariant: spec.md §3)

	shadowMu sync.Mutex // guards lazy creation of shadowPtr only
	shadowPtr atomic.Pointer[shadow]

	deletionMu   sync.Mutex
	deletionSubs list.List // of *deletionSubscription

	finalizer Finalizer
}

// New creates an Object with strong count 1. finalizer may be nil.
func New(finalizer Finalizer) *Object {
	return &Object{strongCount: 1, finalizer: finalizer}
}

// Ref increments the strong reference count. Callers must already hold a
// strong reference (or be inside a callback that was handed one); calling
// Ref on an object that has reached zero strong references outside of a
// successful WeakRef.Upgrade is a programming violation.
func (o *Object) Ref() {
	atomic.AddInt32(&o.strongCount, 1)
}

// StrongCount returns a point-in-time snapshot of the strong reference
// count, mainly useful for tests and diagnostics.
func (o *Object) StrongCount() int32 {
	return atomic.LoadInt32(&o.strongCount)
}

// Unref drops one strong reference, running the full teardown protocol
// (spec.md §4.1 last_unref/do_delete) when the count reaches zero. It
// assumes the calling goroutine holds no StateMutex; use UnrefIn when that
// is not the case.
func (o *Object) Unref() {
	o.unref(nil)
}

// UnrefIn behaves like Unref but is aware of lc, the calling goroutine's
// LocalContext. If lc is currently inside a StateMutex critical section,
// teardown is deferred to lc's thread-local deletion queue instead of
// running synchronously (spec.md I5: the destructor must not run while the
// current thread holds any state mutex).
func (o *Object) UnrefIn(lc *LocalContext) {
	o.unref(lc)
}

func (o *Object) unref(lc *LocalContext) {
	if atomic.AddInt32(&o.strongCount, -1) == 0 {
		o.lastUnref(lc)
	}
}

// loadShadow returns the shadow if one has ever been created, without
// creating it.
func (o *Object) loadShadow() *shadow {
	return o.shadowPtr.Load()
}

// ensureShadow lazily creates the shadow on first weak-reference request.
func (o *Object) ensureShadow() *shadow {
	if sh := o.shadowPtr.Load(); sh != nil {
		return sh
	}
	o.shadowMu.Lock()
	defer o.shadowMu.Unlock()
	if sh := o.shadowPtr.Load(); sh != nil {
		return sh
	}
	sh := &shadow{weakPtr: o, lastRefCount: 1}
	o.shadowPtr.Store(sh)
	return sh
}

// Weak returns a new weak reference to o. The shadow backing the weak
// reference is created on first use and outlives o whenever a WeakRef
// outlives the object (ordinary Go garbage collection takes care of that;
// see SPEC_FULL.md §3).
func (o *Object) Weak() *WeakRef {
	return &WeakRef{shadow: o.ensureShadow()}
}

// lastUnref implements spec.md §4.1's last_unref protocol.
func (o *Object) lastUnref(lc *LocalContext) {
	sh := o.loadShadow()
	if sh == nil {
		// No weak reference was ever requested: there is no resurrection
		// race to resolve, fall straight through to the freeze and teardown.
		o.freezeDeletionSubscriptions()
		o.doDelete(lc)
		return
	}

	sh.mu.Lock()
	if atomic.LoadInt32(&o.strongCount) > 0 {
		// A weak reference was upgraded in the window between our
		// decrement and acquiring shadow.mu. The object is resurrected and
		// this call's ticket is spent; whichever later Unref drops the
		// count to zero again will run this protocol afresh.
		sh.lastRefCount--
		sh.mu.Unlock()
		return
	}

	sh.weakPtr = nil // invariant I2 takes effect from this instant
	remaining := atomic.AddInt32(&sh.lastRefCount, -1)
	sh.mu.Unlock()

	if remaining > 0 {
		// Another last_unref call is still pending for a resurrection that
		// already raced back down to zero; let that one finish the job.
		return
	}

	o.freezeDeletionSubscriptions()
	o.doDelete(lc)
}

// freezeDeletionSubscriptions implements step 5 of last_unref: once I2
// holds, no thread can reach this object through a weak upgrade anymore, so
// removeDeletionCallback can no longer race us here. We walk the list once
// to pin a strong reference to every live peer, because do_delete's drain
// runs without holding deletionMu across each callback.
func (o *Object) freezeDeletionSubscriptions() {
	o.deletionMu.Lock()
	defer o.deletionMu.Unlock()

	for e := o.deletionSubs.Front(); e != nil; e = e.Next() {
		sub := e.Value.(*deletionSubscription)
		if sub.peerWeak == nil {
			continue
		}
		if sub.selfTarget {
			sub.target = o
			continue
		}
		if peer, ok := sub.peerWeak.Upgrade(); ok {
			sub.target = peer // strong ref released by the drain in doDelete
		} else {
			sub.target = nil // peer is already gone; drain will skip it
		}
	}
}

// doDelete implements spec.md §4.1's do_delete protocol.
func (o *Object) doDelete(lc *LocalContext) {
	if lc != nil && lc.stateMutexDepth() > 0 {
		lc.enqueueDeletion(o)
		return
	}
	o.finishDelete()
}

// finishDelete drains the deletion-subscription list and runs the
// finalizer. It must only be called when the calling goroutine is known to
// hold no StateMutex (either because lc was nil, or because a LocalContext
// has already confirmed its depth is zero while draining its queue).
func (o *Object) finishDelete() {
	for {
		o.deletionMu.Lock()
		front := o.deletionSubs.Front()
		if front == nil {
			o.deletionMu.Unlock()
			break
		}
		o.deletionSubs.Remove(front)
		o.deletionMu.Unlock()

		sub := front.Value.(*deletionSubscription)
		switch {
		case sub.peerWeak == nil:
			// Registered without peer tracking (the mirror half of a
			// mutual subscription): fires unconditionally.
			sub.cb(sub.cbData)
		case sub.target != nil:
			peer := sub.target
			if sub.mutualKey.Valid() {
				peer.RemoveDeletionCallback(sub.mutualKey)
			}
			sub.cb(sub.cbData)
			if peer != o {
				peer.Unref()
			}
		default:
			// Peer died before we could freeze a reference to it; its own
			// teardown already reclaimed the mirror subscription.
		}
	}

	if o.finalizer != nil {
		o.finalizer()
	}
}

// AddDeletionCallback registers cb to run when o is torn down. If peer is
// non-nil and distinct from o, a mirror subscription is registered on
// peer's own deletion list so that if peer dies first, this subscription is
// cleanly cancelled instead of firing with a dangling peer (spec.md's
// "mutual subscription" protocol). Passing peer == o registers a
// self-subscription (an object observing its own deletion).
func (o *Object) AddDeletionCallback(cb DeletionCallback, cbData any, peer *Object) DeletionKey {
	sub := &deletionSubscription{cb: cb, cbData: cbData}

	if peer != nil {
		sub.peerWeak = peer.Weak()
		sub.selfTarget = peer == o
		if peer != o {
			mutualKey := peer.addDeletionCallbackNonMutual(o.mutualDeletionCallback, sub)
			sub.mutualKey = mutualKey
		}
	}

	o.deletionMu.Lock()
	sub.elem = o.deletionSubs.PushBack(sub)
	o.deletionMu.Unlock()

	return DeletionKey{owner: o, sub: sub}
}

// addDeletionCallbackNonMutual registers a subscription without attempting
// to register a mirror on any peer; used internally to install the mirror
// half of a mutual subscription.
func (o *Object) addDeletionCallbackNonMutual(cb DeletionCallback, cbData any) DeletionKey {
	sub := &deletionSubscription{cb: cb, cbData: cbData}
	o.deletionMu.Lock()
	sub.elem = o.deletionSubs.PushBack(sub)
	o.deletionMu.Unlock()
	return DeletionKey{owner: o, sub: sub}
}

// mutualDeletionCallback runs on the original subscriber when its peer dies
// first. It removes the now-meaningless subscription from the subscriber's
// own list. Per spec.md §4.1 this is guaranteed to run outside any
// StateMutex — it only ever fires from within finishDelete, which the
// LocalContext machinery guarantees is lock-free.
func (o *Object) mutualDeletionCallback(data any) {
	sub := data.(*deletionSubscription)
	o.deletionMu.Lock()
	if sub.elem != nil {
		o.deletionSubs.Remove(sub.elem)
		sub.elem = nil
	}
	o.deletionMu.Unlock()
}

// RemoveDeletionCallback cancels a subscription previously returned by
// AddDeletionCallback. Safe to call at most once per key; safe to call
// concurrently with the owner's own teardown (per invariant I2, a racing
// teardown either removes the entry itself or has already nullified the
// weak path to it, in which case this call becomes a no-op).
func (o *Object) RemoveDeletionCallback(key DeletionKey) {
	if !key.Valid() {
		return
	}
	sub := key.sub

	o.deletionMu.Lock()
	if sub.elem != nil {
		o.deletionSubs.Remove(sub.elem)
		sub.elem = nil
	}
	o.deletionMu.Unlock()

	if sub.mutualKey.Valid() {
		if peer, ok := sub.peerWeak.Upgrade(); ok {
			peer.RemoveDeletionCallback(sub.mutualKey)
			peer.Unref()
		}
	}
}

// UnrefOnDeletion arranges for o to be Unref'd once masterObj is torn down
// — a one-shot, weakly-gated analogue of owning a strong reference for as
// long as masterObj lives. Calling it with masterObj == o is a programming
// violation (unlike the original library, which only logs a warning) and
// panics.
func (o *Object) UnrefOnDeletion(masterObj *Object) {
	if masterObj == o {
		panic(fmt.Sprintf("object: UnrefOnDeletion: %p cannot bind to itself", o))
	}
	masterObj.AddDeletionCallback(func(any) { o.Unref() }, nil, o)
}
