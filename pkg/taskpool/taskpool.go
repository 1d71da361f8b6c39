// Package taskpool runs functions on a bounded set of workers. It replaces
// fire-and-forget goroutines for work that callers need to await: each task
// has an optional completion callback and Wait blocks until all submitted
// tasks have finished.
package taskpool

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("pool stopped")

type task struct {
	name string
	fn   func() error
	done func(error)
}

// Pool is a bounded worker pool.
type Pool struct {
	tasks chan task
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New starts a pool with the given number of workers. Sizes below one are
// raised to one.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		tasks: make(chan task),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for t := range p.tasks {
		err := t.fn()
		if t.done != nil {
			t.done(err)
		} else if err != nil {
			log.WithFields(log.Fields{
				"task":  t.name,
				"error": err,
			}).Error("task failed")
		}
		p.wg.Done()
	}
}

// Submit queues fn to run on a worker. done, if non-nil, is called with fn's
// error once it returns. Submit blocks while all workers are busy and the
// queue is full.
func (p *Pool) Submit(name string, fn func() error, done func(error)) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.tasks <- task{name: name, fn: fn, done: done}
	return nil
}

// Wait blocks until every submitted task has completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop waits for in-flight tasks and shuts the workers down. Submit errors
// afterwards.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait()
	close(p.tasks)
}
