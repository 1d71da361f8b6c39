package taskpool_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kelpieio/kelpie/pkg/taskpool"
	"github.com/stretchr/testify/suite"
)

type TaskPoolTestSuite struct {
	suite.Suite
}

func TestTaskPoolTestSuite(t *testing.T) {
	suite.Run(t, new(TaskPoolTestSuite))
}

func (s *TaskPoolTestSuite) TestSubmitAndWait() {
	p := taskpool.New(4)
	defer p.Stop()

	var count int64
	for i := 0; i < 20; i++ {
		err := p.Submit("count", func() error {
			atomic.AddInt64(&count, 1)
			return nil
		}, nil)
		s.Require().NoError(err)
	}
	p.Wait()
	s.EqualValues(20, atomic.LoadInt64(&count), "all tasks should run before Wait returns")
}

func (s *TaskPoolTestSuite) TestDoneCallback() {
	p := taskpool.New(2)
	defer p.Stop()

	taskErr := errors.New("task failed")
	var mu sync.Mutex
	results := map[string]error{}
	done := func(name string) func(error) {
		return func(err error) {
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}
	}

	s.NoError(p.Submit("ok", func() error { return nil }, done("ok")))
	s.NoError(p.Submit("bad", func() error { return taskErr }, done("bad")))
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	s.NoError(results["ok"])
	s.Equal(taskErr, results["bad"], "callback should receive the task error")
}

func (s *TaskPoolTestSuite) TestStop() {
	p := taskpool.New(2)

	var count int64
	for i := 0; i < 5; i++ {
		s.NoError(p.Submit("count", func() error {
			atomic.AddInt64(&count, 1)
			return nil
		}, nil))
	}

	p.Stop()
	s.EqualValues(5, atomic.LoadInt64(&count), "Stop should drain in-flight tasks")

	err := p.Submit("late", func() error { return nil }, nil)
	s.Equal(taskpool.ErrStopped, err, "Submit after Stop should fail")

	p.Stop() // repeated stop is a no-op
}

func (s *TaskPoolTestSuite) TestMinimumWorkers() {
	p := taskpool.New(0)
	defer p.Stop()

	s.NoError(p.Submit("one", func() error { return nil }, nil))
	p.Wait()
}
