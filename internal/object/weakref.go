package object

import "sync/atomic"

// WeakRef is a non-owning reference to an Object that can be upgraded to a
// strong reference as long as the object has not begun teardown (spec.md
// component C2). The zero value is not usable; obtain one via Object.Weak.
type WeakRef struct {
	shadow *shadow
}

// Upgrade attempts to obtain a strong reference to the underlying object.
// It returns (obj, true) on success — the caller now owns one strong
// reference and must eventually Unref it — or (nil, false) if the object's
// teardown has already reached the point where invariant I2 holds
// (shadow.weakPtr nullified).
func (w *WeakRef) Upgrade() (*Object, bool) {
	if w == nil || w.shadow == nil {
		return nil, false
	}
	sh := w.shadow

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.weakPtr == nil {
		return nil, false
	}

	obj := sh.weakPtr
	if atomic.AddInt32(&obj.strongCount, 1) == 1 {
		// A resurrection ticket: the count had already dropped to zero, so
		// one last_unref call may be blocked waiting for this shadow lock,
		// and whichever Unref drives the count back to zero will make
		// another; only the last of them may proceed with teardown.
		sh.lastRefCount++
	}
	return obj, true
}

// IsValid reports whether the referenced object has not yet begun
// teardown. It is inherently racy — by the time the caller inspects the
// result the object may already be gone — and exists only for
// diagnostics; use Upgrade to actually obtain a usable reference.
func (w *WeakRef) IsValid() bool {
	if w == nil || w.shadow == nil {
		return false
	}
	sh := w.shadow
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.weakPtr != nil
}
