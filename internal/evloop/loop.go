// Package evloop provides a single-goroutine task loop. Everything posted to a
// Loop runs serially on the loop goroutine, so state owned by the loop needs no
// locking. Each posted task returns a handle that can be cancelled until it runs.
package evloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Call once the loop has been stopped.
var ErrStopped = errors.New("evloop: loop stopped")

// Task is a handle to a posted function.
type Task struct {
	fn       func()
	canceled atomic.Bool
	done     atomic.Bool
	timer    *time.Timer
}

// Cancel prevents the task from running. It reports whether the task was
// cancelled before it started.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	if t.done.Load() {
		return false
	}
	first := t.canceled.CompareAndSwap(false, true)
	if t.timer != nil {
		t.timer.Stop()
	}
	return first
}

// Canceled reports whether Cancel was called.
func (t *Task) Canceled() bool {
	return t != nil && t.canceled.Load()
}

type Loop struct {
	mu      sync.Mutex
	queue   []*Task
	wake    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.stopped {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, t := range batch {
			if t.canceled.Load() {
				continue
			}
			t.done.Store(true)
			t.fn()
		}

		if len(batch) == 0 {
			<-l.wake
		}
	}
}

// Post schedules fn to run on the next tick.
func (l *Loop) Post(fn func()) *Task {
	t := &Task{fn: fn}
	l.enqueue(t)
	return t
}

// PostAfter schedules fn to run on the loop once d has elapsed.
func (l *Loop) PostAfter(d time.Duration, fn func()) *Task {
	t := &Task{fn: fn}
	t.timer = time.AfterFunc(d, func() {
		if !t.canceled.Load() {
			l.enqueue(t)
		}
	})
	return t
}

func (l *Loop) enqueue(t *Task) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to return. It must not be used
// from a task already running on the same loop.
func (l *Loop) Call(fn func()) error {
	ch := make(chan struct{})
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.mu.Unlock()
	l.Post(func() {
		defer close(ch)
		fn()
	})
	select {
	case <-ch:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Stop terminates the loop. Pending tasks are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()
	if !started {
		close(l.done)
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Personal.AI order the ending
