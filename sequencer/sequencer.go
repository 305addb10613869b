package sequencer

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPanic is wrapped by the error of an invocation that panicked.
var ErrPanic = errors.New("invocation panicked")

// Sequencer runs invocations for a single stream one at a time, in the order
// in which they were handed to Handle. Each caller gets a future for its own
// invocation.
//
// An invocation that fails (or panics) does not keep the ones queued behind it
// from running: the queue moves on once the previous invocation has completed,
// however it completed.
type Sequencer[In, Out any] struct {
	exec   Executor
	invoke func(In) (Out, error)

	mu sync.Mutex
	// queue holds invocations that have not been started yet.
	queue []call[In, Out]
	// draining is set while a task is running invocations from queue.
	draining bool
	// outstanding counts invocations whose future has not been completed.
	outstanding int
}

type call[In, Out any] struct {
	in  In
	fut *Future[Out]
}

// New returns a sequencer that uses exec to run invoke. A nil exec runs every
// drain on its own goroutine.
func New[In, Out any](exec Executor, invoke func(In) (Out, error)) *Sequencer[In, Out] {
	if exec == nil {
		exec = GoExecutor{}
	}
	return &Sequencer[In, Out]{exec: exec, invoke: invoke}
}

// Handle queues an invocation with the given input. If nothing is pending for
// the stream, the invocation is dispatched right away; otherwise it runs after
// every invocation queued before it has completed.
func (s *Sequencer[In, Out]) Handle(in In) *Future[Out] {
	fut := NewFuture[Out]()
	s.mu.Lock()
	s.queue = append(s.queue, call[In, Out]{in: in, fut: fut})
	s.outstanding++
	if s.draining {
		s.mu.Unlock()
		return fut
	}
	s.draining = true
	s.mu.Unlock()

	if err := s.exec.Submit(s.drain); err != nil {
		s.failQueued(fmt.Errorf("failed to schedule invocation: %w", err))
	}
	return fut
}

// Pending returns true while at least one invocation has not completed.
func (s *Sequencer[In, Out]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding > 0
}

// Queued returns the number of invocations that have not completed,
// including the one that is currently running.
func (s *Sequencer[In, Out]) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

func (s *Sequencer[In, Out]) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue[0] = call[In, Out]{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		out, err := s.run(c.in)

		s.mu.Lock()
		s.outstanding--
		s.mu.Unlock()
		c.fut.Complete(out, err)
	}
}

func (s *Sequencer[In, Out]) run(in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return s.invoke(in)
}

func (s *Sequencer[In, Out]) failQueued(err error) {
	s.mu.Lock()
	q := s.queue
	s.queue = nil
	s.draining = false
	s.outstanding -= len(q)
	s.mu.Unlock()

	var zero Out
	for _, c := range q {
		c.fut.Complete(zero, err)
	}
}
