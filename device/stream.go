// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/pkg/errors"
)

// Stream is an in-order execution queue on a device: work enqueued on the
// same stream executes in issue order; work on different streams has no
// ordering relation unless an Event dependency is inserted.
//
// Enqueue operations return immediately; completion is observed through
// Synchronize. The first error of any enqueued operation is sticky: it is
// reported by Synchronize and every later one until the stream is drained.
type Stream struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu  sync.Mutex
	err error
}

// newStreamLocked creates a stream and starts its worker. Called with the
// device lock held during Open, or from NewStream.
func (c *Context) newStreamLocked() *Stream {
	s := &Stream{tasks: make(chan func(), 256)}
	s.wg.Add(1)
	go s.worker()
	return s
}

// NewStream creates an additional stream on the context.
func (c *Context) NewStream() (*Stream, error) {
	if c.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	s := c.newStreamLocked()
	c.streams = append(c.streams, s)
	return s, nil
}

// Stream returns the context's default stream.
func (c *Context) Stream() *Stream {
	return c.defaultStream
}

func (s *Stream) worker() {
	defer s.wg.Done()
	for task := range s.tasks {
		task()
	}
}

// Enqueue schedules fn on the stream and returns immediately.
func (s *Stream) Enqueue(fn func() error) {
	s.tasks <- func() {
		if err := fn(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

// Synchronize blocks until everything enqueued so far has executed and
// returns the stream's sticky error, if any.
func (s *Stream) Synchronize() error {
	done := make(chan struct{})
	s.tasks <- func() { close(done) }
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// shutdown stops the worker after draining the queue.
func (s *Stream) shutdown() {
	close(s.tasks)
	s.wg.Wait()
}

// Event is a cross-stream ordering point: Record marks a position in one
// stream, Wait makes another stream block at its current position until
// that mark has been passed.
type Event struct {
	done chan struct{}
}

// NewEvent creates an unrecorded event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Record enqueues the event's completion on the stream.
func (s *Stream) Record(e *Event) {
	s.tasks <- func() { close(e.done) }
}

// Wait enqueues a wait for the event: later work on this stream does not
// run until the event has been recorded and reached.
func (s *Stream) Wait(e *Event) {
	s.tasks <- func() { <-e.done }
}
