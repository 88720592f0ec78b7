package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is shared between the worker loop and the heartbeat supervisor. The
// worker loop is the only writer of the current assignment; readers may see
// a value that is one cycle stale.
type State struct {
	alive    atomic.Bool
	current  atomic.Pointer[Assignment]
	done     chan struct{}
	stopOnce sync.Once
}

func NewState() *State {
	s := &State{done: make(chan struct{})}
	s.alive.Store(true)
	return s
}

// Alive reports whether shutdown has not been requested yet.
func (s *State) Alive() bool {
	return s.alive.Load()
}

// Stop requests a cooperative shutdown. Only the first call has an effect.
func (s *State) Stop() {
	s.stopOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
	})
}

// Done is closed once Stop has been called.
func (s *State) Done() <-chan struct{} {
	return s.done
}

// Sleep waits for d and reports whether it elapsed. It returns false as soon
// as shutdown is requested.
func (s *State) Sleep(d time.Duration) bool {
	if d <= 0 {
		return s.Alive()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.done:
		return false
	}
}

// Commit publishes the assignment the worker loop is about to run.
func (s *State) Commit(a *Assignment) {
	s.current.Store(a)
}

// Clear forgets the current assignment.
func (s *State) Clear() {
	s.current.Store(nil)
}

// Current returns the current assignment, or nil when idle.
func (s *State) Current() *Assignment {
	return s.current.Load()
}

// CurrentIDs returns the run and task identifiers of the current assignment,
// both nil when idle.
func (s *State) CurrentIDs() (*string, *int) {
	a := s.current.Load()
	if a == nil {
		return nil, nil
	}
	runID, taskID := a.Run.ID, a.TaskID
	return &runID, &taskID
}
