// Package rollback tracks cleanup steps for partially completed work. Steps
// are pushed as resources are created and run in reverse order on failure.
// Step errors are logged and swallowed; a rollback never aborts partway.
package rollback

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

type step struct {
	name string
	fn   func() error
}

// Stack is an ordered collection of named cleanup steps.
type Stack struct {
	mu    sync.Mutex
	steps []step
	ran   bool
}

// New returns an empty Stack.
func New() *Stack {
	return &Stack{}
}

// Push adds a cleanup step. name identifies the resource in rollback logs.
func (s *Stack) Push(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// Len returns the number of pending steps.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Run executes every step in reverse push order. Errors are logged and do
// not stop the remaining steps. Run is idempotent; only the first call does
// any work.
func (s *Stack) Run() {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return
	}
	s.ran = true
	steps := s.steps
	s.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(); err != nil {
			log.WithFields(log.Fields{
				"step":  steps[i].name,
				"error": err,
			}).Error("rollback step failed")
		}
	}
}

// Discard drops all steps without running them, for the success path.
func (s *Stack) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = true
	s.steps = nil
}
