package informer

import (
	"testing"

	"github.com/erdizz/libmary/internal/object"
)

func TestInformAllDeliversToEverySubscriber(t *testing.T) {
	in := New[func(int)]()
	var got []int
	in.Subscribe(func(v int) { got = append(got, v) }, nil)
	in.Subscribe(func(v int) { got = append(got, v*10) }, nil)

	in.InformAll(func(cb func(int)) { cb(5) })

	if len(got) != 2 || got[0] != 5 || got[1] != 50 {
		t.Fatalf("got %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	in := New[func()]()
	var calls int
	key := in.Subscribe(func() { calls++ }, nil)
	in.InformAll(func(cb func()) { cb() })
	in.Unsubscribe(key)
	in.InformAll(func(cb func()) { cb() })

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

// A subscriber unsubscribing itself from within its own callback must not
// corrupt the traversal: every other live subscriber must still be
// delivered to in this same round.
func TestSelfUnsubscribeDuringTraversal(t *testing.T) {
	in := New[func()]()
	var keyA, keyB SubscriptionKey[func()]
	var aCalls, bCalls int

	keyA = in.Subscribe(func() {
		aCalls++
		in.Unsubscribe(keyA)
	}, nil)
	keyB = in.Subscribe(func() { bCalls++ }, nil)
	_ = keyB

	in.InformAll(func(cb func()) { cb() })
	if aCalls != 1 || bCalls != 1 {
		t.Fatalf("aCalls=%d bCalls=%d, want 1 and 1", aCalls, bCalls)
	}

	in.InformAll(func(cb func()) { cb() })
	if aCalls != 1 || bCalls != 2 {
		t.Fatalf("aCalls=%d bCalls=%d after second round, want 1 and 2", aCalls, bCalls)
	}
}

// A subscriber unsubscribing a *different* subscriber that has not been
// reached yet during the same traversal must still skip that subscriber
// cleanly rather than deliver to a half-removed entry.
func TestUnsubscribeOtherDuringTraversal(t *testing.T) {
	in := New[func()]()
	var keyB SubscriptionKey[func()]
	var aCalls, bCalls int

	in.Subscribe(func() {
		aCalls++
		in.Unsubscribe(keyB)
	}, nil)
	keyB = in.Subscribe(func() { bCalls++ }, nil)

	in.InformAll(func(cb func()) { cb() })
	if aCalls != 1 {
		t.Fatalf("aCalls = %d, want 1", aCalls)
	}
	if bCalls != 0 {
		t.Fatalf("bCalls = %d, want 0 (unsubscribed before its turn)", bCalls)
	}
}

func TestOneshotSubscriptionFiresOnce(t *testing.T) {
	in := New[func()]()
	var calls int
	in.SubscribeOneshot(func() { calls++ }, nil)

	in.InformAll(func(cb func()) { cb() })
	in.InformAll(func(cb func()) { cb() })

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if got := in.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0 after oneshot fired", got)
	}
}

// A subscriber whose guard object has already died must be skipped and
// lazily removed, without the caller ever having to unsubscribe manually.
func TestDyingSubscriberIsSkippedAndRemoved(t *testing.T) {
	in := New[func()]()
	owner := object.New(nil)
	guard := owner.Weak()

	var calls int
	in.Subscribe(func() { calls++ }, guard)

	owner.Unref() // subscriber's guard object dies

	in.InformAll(func(cb func()) { cb() })
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 for a dead subscriber", calls)
	}
	if got := in.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0 after dead subscriber swept", got)
	}
}

func TestLiveGuardedSubscriberStillDelivered(t *testing.T) {
	in := New[func()]()
	owner := object.New(nil)
	defer owner.Unref()
	guard := owner.Weak()

	var calls int
	in.Subscribe(func() { calls++ }, guard)
	in.InformAll(func(cb func()) { cb() })

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
