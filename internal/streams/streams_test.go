package streams

import (
	"testing"

	"github.com/erdizz/libmary/internal/deferred"
	"github.com/erdizz/libmary/internal/pollgroup"
)

// fakeReader hands out byte chunks from a queue, then reports
// ErrWouldBlock once exhausted.
type fakeReader struct {
	chunks [][]byte
}

func (f *fakeReader) Read(b []byte) (int, error) {
	if len(f.chunks) == 0 {
		return 0, ErrWouldBlock
	}
	chunk := f.chunks[0]
	n := copy(b, chunk)
	if n == len(chunk) {
		f.chunks = f.chunks[1:]
	} else {
		f.chunks[0] = chunk[n:]
	}
	return n, nil
}

func TestConnectionReceiverDeliversAllInput(t *testing.T) {
	proc := deferred.New(nil)
	reader := &fakeReader{chunks: [][]byte{[]byte("hello"), []byte("world")}}
	recv := NewConnectionReceiver(3, reader, 64, proc)

	var got []byte
	recv.SetInputFrontend(func(data []byte) int {
		got = append(got, data...)
		return len(data)
	}, nil)

	recv.Dispatch(pollgroup.Input)

	if string(got) != "helloworld" {
		t.Fatalf("got %q, want %q", got, "helloworld")
	}
}

// Scenario 6 (backpressure): a frontend that never fully accepts must not
// be re-entered synchronously; the receiver instead arms a deferred task
// and only retries once that task is drained.
func TestConnectionReceiverBackpressureDefersRetry(t *testing.T) {
	proc := deferred.New(nil)
	reader := &fakeReader{chunks: [][]byte{[]byte("abcdef")}}
	recv := NewConnectionReceiver(3, reader, 64, proc)

	var calls int
	recv.SetInputFrontend(func(data []byte) int {
		calls++
		return 1 // always accept only one byte, stalling the rest
	}, nil)

	recv.Dispatch(pollgroup.Input)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 before any drain", calls)
	}
	if proc.Pending() != 1 {
		t.Fatalf("expected the unblock task to be scheduled, pending = %d", proc.Pending())
	}

	proc.Drain()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 after one drain", calls)
	}
}

// A second readiness event arriving before the deferred unblock task has
// drained must not re-enter the frontend — this is the case the kernel
// guarantees under level-triggered epoll for as long as unread bytes
// remain, so the gate must hold even across repeated Dispatch calls.
func TestConnectionReceiverIgnoresDispatchWhileBlocked(t *testing.T) {
	proc := deferred.New(nil)
	reader := &fakeReader{chunks: [][]byte{[]byte("abcdef")}}
	recv := NewConnectionReceiver(3, reader, 64, proc)

	var calls int
	recv.SetInputFrontend(func(data []byte) int {
		calls++
		return 1 // always accept only one byte, stalling the rest
	}, nil)

	recv.Dispatch(pollgroup.Input)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 before any drain", calls)
	}

	recv.Dispatch(pollgroup.Input)
	recv.Dispatch(pollgroup.Input)
	if calls != 1 {
		t.Fatalf("calls = %d after repeated Dispatch while blocked, want 1 (no re-entry before drain)", calls)
	}

	proc.Drain()
	if calls != 2 {
		t.Fatalf("calls = %d after the deferred retry drained, want 2", calls)
	}

	recv.Dispatch(pollgroup.Input)
	if calls != 2 {
		t.Fatalf("calls = %d after another Dispatch while blocked again, want 2", calls)
	}
}

func TestConnectionReceiverReportsErrorOnHangup(t *testing.T) {
	proc := deferred.New(nil)
	reader := &fakeReader{}
	recv := NewConnectionReceiver(3, reader, 64, proc)

	var gotErr error
	recv.SetInputFrontend(func(data []byte) int { return len(data) }, func(err error) { gotErr = err })

	recv.Dispatch(pollgroup.Hup)
	if gotErr == nil {
		t.Fatal("expected an error to be reported on hangup")
	}
}

func TestConnectionReceiverBufferFullArmsUnblock(t *testing.T) {
	proc := deferred.New(nil)
	reader := &fakeReader{chunks: [][]byte{make([]byte, 8)}}
	recv := NewConnectionReceiver(3, reader, 8, proc)

	recv.SetInputFrontend(func(data []byte) int {
		return 0 // application never accepts anything
	}, nil)

	recv.Dispatch(pollgroup.Input)
	if proc.Pending() != 1 {
		t.Fatalf("expected unblock task scheduled when buffer fills up, pending = %d", proc.Pending())
	}
}
