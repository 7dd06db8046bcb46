// Package scheduler serializes tasks that share a BranchKey while running
// tasks for distinct keys concurrently. A worker goroutine is spawned the
// first time a key's queue receives a task and exits once that queue is
// empty, rather than blocking forever, so the goroutine count tracks live
// branch activity instead of growing monotonically.
package scheduler

import (
	"context"
	"sync"

	"github.com/izavyalov-dev/dispatchd/task"
)

// Runner executes one task to completion.
type Runner interface {
	RunTask(ctx context.Context, t *task.Task)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, t *task.Task)

func (f RunnerFunc) RunTask(ctx context.Context, t *task.Task) { f(ctx, t) }

// Scheduler owns one FIFO queue per BranchKey.
type Scheduler struct {
	runner Runner

	mu     sync.Mutex
	queues map[string][]*task.Task
}

func New(runner Runner) *Scheduler {
	return &Scheduler{runner: runner, queues: make(map[string][]*task.Task)}
}

// Enqueue appends t to its key's queue, spawning a worker if none is
// currently draining that queue.
func (s *Scheduler) Enqueue(ctx context.Context, t *task.Task) {
	key := t.Key.String()

	s.mu.Lock()
	queue, existed := s.queues[key]
	s.queues[key] = append(queue, t)
	shouldSpawn := !existed
	s.mu.Unlock()

	if shouldSpawn {
		go s.drain(ctx, key)
	}
}

// drain runs tasks for key one at a time until the queue empties, then
// removes the queue entry and returns. The removal and the "is a worker
// already running" check happen under the same lock so a task enqueued
// concurrently with drain's exit is never silently dropped: either it
// lands in the queue before drain observes it empty (and gets processed
// this iteration) or it triggers a fresh worker spawn.
func (s *Scheduler) drain(ctx context.Context, key string) {
	for {
		s.mu.Lock()
		queue := s.queues[key]
		if len(queue) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		next := queue[0]
		s.queues[key] = queue[1:]
		s.mu.Unlock()

		s.runner.RunTask(ctx, next)
	}
}

// QueueDepth reports how many tasks are waiting for a key, for tests and
// status reporting. A task a worker has already taken and is running is not
// counted.
func (s *Scheduler) QueueDepth(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[key])
}
