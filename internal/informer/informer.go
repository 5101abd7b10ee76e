// Package informer implements LibMary's generic publish/subscribe
// mechanism (spec.md component C4): a typed list of subscriber callbacks
// that can be safely unsubscribed from while a broadcast is in progress,
// including from within a subscriber's own callback.
package informer

import (
	"sync"
	"sync/atomic"

	"github.com/erdizz/libmary/internal/object"
)

// SubscriptionKey identifies a previously registered subscription, needed
// to Unsubscribe it later. The zero value is not valid. A key is only
// valid for the Informer[T] that produced it.
type SubscriptionKey[T any] struct {
	sub *subscription[T]
}

type subscription[T any] struct {
	cb      T
	oneshot bool

	guard *object.WeakRef // nil: subscription has no liveness gate

	removed bool // set under Informer.mu once torn down
}

// Informer broadcasts values of callback type T to every live subscriber.
// T is the subscriber's callback signature, e.g. func(Event) or func() for
// the "function pointer" style the original library's CallbackPtr union
// collapses to.
type Informer[T any] struct {
	mu   sync.Mutex
	subs []*subscription[T]

	traversing int32 // >0 while InformAll is iterating; gates in-place removal
	sweepAfter bool  // set when an Unsubscribe happens mid-traversal
}

// New creates an empty informer.
func New[T any]() *Informer[T] {
	return &Informer[T]{}
}

// Subscribe registers cb. If guard is non-nil, cb is skipped (and lazily
// removed) once guard's referent has been torn down, so a subscriber never
// needs to remember to unsubscribe from every informer it ever touched —
// mirroring spec.md's "liveness-gated" subscriptions backed by a weak
// reference.
func (in *Informer[T]) Subscribe(cb T, guard *object.WeakRef) SubscriptionKey[T] {
	return in.subscribe(cb, guard, false)
}

// SubscribeOneshot behaves like Subscribe, except the subscription is
// automatically removed immediately after its callback fires once during
// InformAll (spec.md §9's InformOneshot, honored here).
func (in *Informer[T]) SubscribeOneshot(cb T, guard *object.WeakRef) SubscriptionKey[T] {
	return in.subscribe(cb, guard, true)
}

func (in *Informer[T]) subscribe(cb T, guard *object.WeakRef, oneshot bool) SubscriptionKey[T] {
	sub := &subscription[T]{cb: cb, oneshot: oneshot, guard: guard}
	in.mu.Lock()
	in.subs = append(in.subs, sub)
	in.mu.Unlock()
	return SubscriptionKey[T]{sub: sub}
}

// Unsubscribe removes the subscription identified by key. Safe to call
// from within InformAll's own callback (including for the currently
// executing subscription, or any other), and safe to call more than once.
func (in *Informer[T]) Unsubscribe(key SubscriptionKey[T]) {
	if key.sub == nil {
		return
	}
	in.unsubscribe(key.sub)
}

func (in *Informer[T]) unsubscribe(sub *subscription[T]) {
	in.mu.Lock()
	defer in.mu.Unlock()
	sub.removed = true
	if atomic.LoadInt32(&in.traversing) > 0 {
		// A live traversal holds its own snapshot; actually compacting subs
		// now would shift indices out from under it. Mark for a sweep once
		// the traversal finishes instead.
		in.sweepAfter = true
		return
	}
	in.removeLocked(sub)
}

func (in *Informer[T]) removeLocked(target *subscription[T]) {
	for i, s := range in.subs {
		if s == target {
			in.subs = append(in.subs[:i], in.subs[i+1:]...)
			return
		}
	}
}

func (in *Informer[T]) sweepLocked() {
	live := in.subs[:0]
	for _, s := range in.subs {
		if !s.removed {
			live = append(live, s)
		}
	}
	in.subs = live
}

// InformAll invokes deliver once for every currently-subscribed,
// still-live callback, in subscription order. deliver is handed each
// subscriber's callback value and is responsible for actually calling it
// (this lets the caller pass along whatever event payload accompanies the
// broadcast without InformAll needing to know its shape).
//
// Subscribers may call Unsubscribe — including on themselves — from within
// deliver. Such removals only mark the subscription; compacting the list is
// deferred until InformAll's traversal completes, so the traversal never
// loses its place. A subscriber unsubscribed before its turn in this round
// is skipped, matching spec.md's informAll/informAll_unlocked split.
func (in *Informer[T]) InformAll(deliver func(cb T)) {
	in.mu.Lock()
	snapshot := make([]*subscription[T], len(in.subs))
	copy(snapshot, in.subs)
	atomic.AddInt32(&in.traversing, 1)
	in.mu.Unlock()

	defer func() {
		if atomic.AddInt32(&in.traversing, -1) == 0 {
			in.mu.Lock()
			if in.sweepAfter {
				in.sweepLocked()
				in.sweepAfter = false
			}
			in.mu.Unlock()
		}
	}()

	for _, sub := range snapshot {
		in.mu.Lock()
		removed := sub.removed
		in.mu.Unlock()
		if removed {
			continue
		}

		if sub.guard != nil {
			guarded, ok := sub.guard.Upgrade()
			if !ok {
				in.unsubscribe(sub)
				continue
			}
			// Hold the strong reference for the duration of deliver so the
			// guarded object cannot be torn down while its callback is
			// running, then release the ticket Upgrade acquired.
			deliver(sub.cb)
			guarded.Unref()
		} else {
			deliver(sub.cb)
		}

		if sub.oneshot {
			in.unsubscribe(sub)
		}
	}
}

// Len reports the current subscriber count, excluding any already
// unsubscribed but not yet swept after a mid-traversal Unsubscribe. Mainly
// useful for tests and metrics.
func (in *Informer[T]) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, s := range in.subs {
		if !s.removed {
			n++
		}
	}
	return n
}
