package object

import (
	"sync"
	"testing"
)

func TestUnrefRunsFinalizerExactlyOnce(t *testing.T) {
	var calls int
	o := New(func() { calls++ })
	o.Unref()
	if calls != 1 {
		t.Fatalf("finalizer ran %d times, want 1", calls)
	}
}

func TestRefDelaysFinalizer(t *testing.T) {
	var calls int
	o := New(func() { calls++ })
	o.Ref()
	o.Unref()
	if calls != 0 {
		t.Fatalf("finalizer ran early: %d calls", calls)
	}
	o.Unref()
	if calls != 1 {
		t.Fatalf("finalizer ran %d times, want 1", calls)
	}
}

func TestWeakRefNullifiedAfterTeardown(t *testing.T) {
	o := New(nil)
	w := o.Weak()

	if !w.IsValid() {
		t.Fatal("weak ref should be valid before teardown")
	}

	o.Unref()

	if w.IsValid() {
		t.Fatal("weak ref should be invalid after teardown")
	}
	if _, ok := w.Upgrade(); ok {
		t.Fatal("Upgrade should fail after teardown")
	}
}

func TestWeakRefUpgradeResurrects(t *testing.T) {
	var calls int
	o := New(func() { calls++ })
	w := o.Weak()

	// Simulate a concurrent upgrade racing the final Unref: grab the
	// strong ref back before the object is torn down.
	o.Ref()
	o.Unref() // count 1 -> still alive, no teardown

	got, ok := w.Upgrade()
	if !ok {
		t.Fatal("Upgrade should succeed while object is alive")
	}
	if got != o {
		t.Fatal("Upgrade returned a different object")
	}

	// One strong ref from New, one from the successful Upgrade.
	got.Unref()
	if calls != 0 {
		t.Fatalf("finalizer ran early: %d calls", calls)
	}
	o.Unref()
	if calls != 1 {
		t.Fatalf("finalizer ran %d times, want 1", calls)
	}
}

// Mutual deletion: two objects each subscribe to the other's deletion.
// Tearing down one must cleanly cancel the mirror subscription on the
// other without ever invoking a callback with a dangling peer. Per the
// mutual-subscription protocol (object.go's AddDeletionCallback doc
// comment; spec.md §8 scenario 1), a's teardown fires the mirror that b's
// subscription left on a, which removes that subscription from b before b
// ever tears down, so a's callback (the one setting aNotified) must never
// fire at all, not merely "not yet".
func TestMutualDeletionSubscription(t *testing.T) {
	a := New(nil)
	b := New(nil)

	var aNotified, bNotified bool
	a.AddDeletionCallback(func(any) { bNotified = true }, nil, b)
	b.AddDeletionCallback(func(any) { aNotified = true }, nil, a)

	a.Unref()

	if !bNotified {
		t.Fatal("b's callback should fire when a is torn down")
	}
	if aNotified {
		t.Fatal("a's callback must not fire yet; b is still alive")
	}

	b.Unref()
	if aNotified {
		t.Fatal("a's callback must never fire: a's teardown already removed this subscription from b")
	}
}

func TestRemoveDeletionCallbackCancelsMutualMirror(t *testing.T) {
	a := New(nil)
	b := New(nil)

	var fired bool
	key := a.AddDeletionCallback(func(any) { fired = true }, nil, b)
	a.RemoveDeletionCallback(key)

	b.Unref()
	if fired {
		t.Fatal("callback should not fire after RemoveDeletionCallback")
	}
}

func TestSelfDeletionSubscription(t *testing.T) {
	o := New(nil)
	var fired bool
	o.AddDeletionCallback(func(any) { fired = true }, nil, o)
	o.Unref()
	if !fired {
		t.Fatal("self-subscription callback should fire on teardown")
	}
}

func TestUnrefOnDeletion(t *testing.T) {
	master := New(nil)
	dependent := New(nil)
	dependent.Ref() // simulate ownership held independently of master

	dependent.UnrefOnDeletion(master)

	master.Unref()

	if got := dependent.StrongCount(); got != 1 {
		t.Fatalf("dependent strong count = %d, want 1 after master teardown", got)
	}
	dependent.Unref()
}

func TestUnrefOnDeletionSelfPanics(t *testing.T) {
	o := New(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for self-binding UnrefOnDeletion")
		}
	}()
	o.UnrefOnDeletion(o)
}

func TestDeletionUnderLockedStateDefersTeardown(t *testing.T) {
	var sm StateMutex
	lc := NewLocalContext()

	var calls int
	o := New(func() { calls++ })

	sm.Lock(lc)
	o.UnrefIn(lc)
	if calls != 0 {
		t.Fatal("finalizer must not run while a StateMutex is held")
	}
	sm.Unlock(lc)

	if calls != 1 {
		t.Fatalf("finalizer should have run once the state mutex was released, got %d calls", calls)
	}
}

func TestConcurrentRefUnrefFinalizesExactlyOnce(t *testing.T) {
	const n = 200
	var oFinalized int32
	o := New(func() { oFinalized++ })
	var finalized int32

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		o.Ref()
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Unref()
		}()
	}
	wg.Wait()

	fin := New(func() { finalized++ })
	fin.Unref()
	if finalized != 1 {
		t.Fatalf("sanity finalizer check failed: %d", finalized)
	}

	// The original object (1 base ref + n refs, n unrefs) must still be
	// alive with exactly one strong reference remaining.
	if got := o.StrongCount(); got != 1 {
		t.Fatalf("strong count = %d, want 1", got)
	}
	if oFinalized != 0 {
		t.Fatalf("finalizer ran %d times while a strong reference remained", oFinalized)
	}
	o.Unref()
	if oFinalized != 1 {
		t.Fatalf("finalizer ran %d times, want 1", oFinalized)
	}
}
