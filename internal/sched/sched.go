// Package sched runs detached tasks and hands back join handles.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// PanicError is the error of a task whose function panicked.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Task is a join handle for a spawned function.
type Task struct {
	name string
	done chan struct{}
	err  error
}

func (t *Task) Name() string { return t.name }

// Done is closed once the task has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's error. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task returns or ctx is done. Abandoning a wait does
// not stop the task.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawner starts tasks.
type Spawner interface {
	Spawn(name string, fn func() error) *Task
}

// Scheduler spawns each task on its own goroutine and keeps count of the
// tasks still running.
type Scheduler struct {
	log *slog.Logger
	wg  sync.WaitGroup
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

// Spawn starts fn detached from the caller.
func (s *Scheduler) Spawn(name string, fn func() error) *Task {
	t := &Task{name: name, done: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = &PanicError{Task: name, Value: r, Stack: debug.Stack()}
				s.log.Error("task panicked", "task", name, "panic", r)
			}
		}()

		t.err = fn()
	}()

	return t
}

// Wait blocks until every spawned task has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

var (
	_ Spawner = &Scheduler{}
)
