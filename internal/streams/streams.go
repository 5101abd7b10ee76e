// Package streams implements the async stream adapters named in spec.md
// component C6: thin interfaces consumed by I/O users (a connection
// receiver, an output stream) built strictly as *users* of the object,
// deferred-processor, and poll-group core rather than as part of it.
package streams

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/erdizz/libmary/internal/deferred"
	"github.com/erdizz/libmary/internal/pollgroup"
)

// ProcessInputFunc is the application's input frontend callback. It is
// handed every byte currently buffered and not yet accepted, and returns
// how many of those bytes it consumed. Returning fewer than len(data)
// tells the receiver the application is backpressured.
type ProcessInputFunc func(data []byte) (accepted int)

// ProcessErrorFunc reports a read error or EOF to the application.
type ProcessErrorFunc func(err error)

// AsyncInputStream is implemented by anything that can hand a poll group
// dispatched readability event off to an application frontend.
type AsyncInputStream interface {
	SetInputFrontend(processInput ProcessInputFunc, processError ProcessErrorFunc)
}

// AsyncOutputStream offers non-blocking, possibly-short writes; callers
// are expected to re-arm write interest (via a Feedback.RequestOutput)
// when Write or Writev return fewer bytes than requested.
type AsyncOutputStream interface {
	Write(b []byte) (written int, err error)
	Writev(iovecs [][]byte) (written int, err error)
}

// RawReader abstracts the underlying non-blocking file descriptor read
// that fills a ConnectionReceiver's buffer.
type RawReader interface {
	Read(b []byte) (int, error)
}

// ErrWouldBlock is returned by a RawReader when no more data is currently
// available; ConnectionReceiver treats it as "wait for the next
// readiness event" rather than an error.
var ErrWouldBlock = errors.New("streams: would block")

// ConnectionReceiver consumes bytes from a non-blocking reader into a
// bounded buffer and hands them to an application frontend (spec.md §4.6).
// It implements pollgroup.Pollable so it can be registered directly with a
// PollGroup.
type ConnectionReceiver struct {
	fd     int
	reader RawReader

	recvBuf     []byte
	recvPos     int // write cursor: valid bytes occupy recvBuf[0:recvPos]
	acceptedPos int // application cursor: recvBuf[0:acceptedPos] already consumed

	processInput ProcessInputFunc
	processError ProcessErrorFunc

	fb pollgroup.Feedback

	unblockTask *deferred.Registration
	blocked     bool // true from armUnblock until the deferred retry actually runs

	errorReported bool
}

// NewConnectionReceiver creates a receiver reading from reader (identified
// by fd for poll-group registration purposes) into a buffer of bufSize
// bytes. proc is the deferred processor used to schedule
// doProcessInput re-entry when the application falls behind (spec.md §4.6,
// §8 scenario 6); it must not be nil.
func NewConnectionReceiver(fd int, reader RawReader, bufSize int, proc *deferred.Processor) *ConnectionReceiver {
	r := &ConnectionReceiver{
		fd:      fd,
		reader:  reader,
		recvBuf: make([]byte, bufSize),
	}
	r.unblockTask = proc.Register(func() bool {
		r.blocked = false
		r.doProcessInput()
		return false
	})
	return r
}

// SetInputFrontend implements AsyncInputStream.
func (r *ConnectionReceiver) SetInputFrontend(processInput ProcessInputFunc, processError ProcessErrorFunc) {
	r.processInput = processInput
	r.processError = processError
}

// Fd implements pollgroup.Pollable.
func (r *ConnectionReceiver) Fd() int { return r.fd }

// SetFeedback implements pollgroup.Pollable.
func (r *ConnectionReceiver) SetFeedback(fb pollgroup.Feedback) { r.fb = fb }

// Dispatch implements pollgroup.Pollable.
func (r *ConnectionReceiver) Dispatch(flags pollgroup.EventFlags) {
	if flags.Has(pollgroup.Error) || flags.Has(pollgroup.Hup) {
		r.reportError(io.EOF)
		return
	}
	if flags.Has(pollgroup.Input) {
		r.doProcessInput()
	}
}

// doProcessInput is the core of spec.md §4.6's receiver loop: compact
// already-accepted bytes out of the buffer, read as much as is available,
// hand it to the application frontend, and either loop for more input or
// arm a deferred retry if the application did not accept everything
// offered (backpressure). While blocked is set, re-entry is a no-op: the
// receiver does not call back into the frontend again until unblockTask has
// been scheduled *and drained* (spec.md §4.6/§8 scenario 6), even though
// the fd may still be reported ready on an intervening Dispatch.
func (r *ConnectionReceiver) doProcessInput() {
	if r.processInput == nil || r.errorReported || r.blocked {
		return
	}

	for {
		if r.acceptedPos > 0 {
			n := copy(r.recvBuf, r.recvBuf[r.acceptedPos:r.recvPos])
			r.recvPos = n
			r.acceptedPos = 0
		}

		if r.recvPos < len(r.recvBuf) {
			n, err := r.reader.Read(r.recvBuf[r.recvPos:])
			if n > 0 {
				r.recvPos += n
			}
			if err != nil && n == 0 {
				if wouldBlock(err) {
					if r.recvPos == 0 {
						if r.fb.RequestInput != nil {
							r.fb.RequestInput()
						}
						return
					}
					// Fall through: there is still buffered, unaccepted
					// data from an earlier read worth offering again.
				} else {
					r.reportError(err)
					return
				}
			}
		}

		if r.recvPos == 0 {
			return
		}

		accepted := r.processInput(r.recvBuf[:r.recvPos])
		r.acceptedPos = accepted
		if accepted >= r.recvPos {
			r.recvPos = 0
			r.acceptedPos = 0
			continue // more room freed up; try reading again right away
		}

		// The application didn't accept everything on offer: re-enter
		// doProcessInput on the next drain instead of spinning here.
		r.armUnblock()
		return
	}
}

func wouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, unix.EAGAIN)
}

func (r *ConnectionReceiver) armUnblock() {
	r.blocked = true
	if r.unblockTask != nil {
		r.unblockTask.Schedule()
	}
}

func (r *ConnectionReceiver) reportError(err error) {
	if r.errorReported {
		return
	}
	r.errorReported = true
	if r.processError != nil {
		r.processError(err)
	}
}

// fdOutputStream is a minimal AsyncOutputStream over a raw, non-blocking
// file descriptor, provided as a user of the core rather than part of it
// (spec.md §1).
type fdOutputStream struct {
	fd int
}

// NewFdOutputStream wraps fd (assumed already non-blocking) as an
// AsyncOutputStream.
func NewFdOutputStream(fd int) AsyncOutputStream {
	return &fdOutputStream{fd: fd}
}

func (s *fdOutputStream) Write(b []byte) (int, error) {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		if err == unix.EAGAIN {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (s *fdOutputStream) Writev(iovecs [][]byte) (int, error) {
	total := 0
	for _, b := range iovecs {
		if len(b) == 0 {
			continue
		}
		n, err := s.Write(b)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			return total, nil // short write; caller re-arms output interest
		}
	}
	return total, nil
}
