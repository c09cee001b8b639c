// Package pool runs part downloads concurrently without blocking the caller.
//
// Each StreamMonitor owns one Pool. Submit returns immediately; a weighted
// semaphore bounds how many tasks run at once and the rest queue on it.
// A panicking task is recovered at the task boundary and handed back to the
// submitter as a *PanicError so one bad part never takes the monitor down.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is used when New is given a non-positive size.
const DefaultWorkers = 8

// Task is one unit of work.
type Task struct {
	// Name identifies the task in panic reports, e.g. "rendition-0/101-2".
	Name string

	// Run does the work. ctx is detached from the submit context so an
	// in-flight download finishes after cancellation.
	Run func(ctx context.Context)

	// OnPanic, if set, receives the recovered panic.
	OnPanic func(*PanicError)
}

// PanicError wraps a panic recovered from a task.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Pool is a bounded, non-blocking task runner.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	running int
	queued  int
}

// New creates a pool running at most workers tasks at once.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Submit schedules t and returns without waiting for capacity.
// It returns ctx.Err() and drops the task if ctx is already done.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Run == nil {
		return nil
	}

	runCtx := context.WithoutCancel(ctx)

	p.wg.Add(1)
	p.adjust(0, 1)
	go func() {
		defer p.wg.Done()

		// Acquire on a detached context: queued tasks still run after
		// cancellation, they were dispatched before it.
		if err := p.sem.Acquire(runCtx, 1); err != nil {
			p.adjust(0, -1)
			return
		}
		p.adjust(1, -1)
		defer func() {
			p.sem.Release(1)
			p.adjust(-1, 0)
		}()

		p.run(runCtx, t)
	}()
	return nil
}

func (p *Pool) run(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Task: t.Name, Value: r, Stack: debug.Stack()}
			if t.OnPanic != nil {
				t.OnPanic(perr)
			}
		}
	}()
	t.Run(ctx)
}

func (p *Pool) adjust(running, queued int) {
	p.mu.Lock()
	p.running += running
	p.queued += queued
	p.mu.Unlock()
}

// Stats returns the number of running and queued tasks.
func (p *Pool) Stats() (running, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.queued
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
