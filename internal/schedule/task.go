// Package schedule provides cancellable deferred tasks driven by an
// injectable clock. Cleanup grace periods, idle detection, and kill
// escalation all run through it so tests can step a fake clock instead of
// sleeping.
package schedule

import (
	"sync"
	"time"

	"github.com/gluk-w/termhub/internal/crashguard"
	"k8s.io/utils/clock"
)

// Task is a single scheduled invocation. The zero value is not usable; create
// tasks with After.
type Task struct {
	timer clock.Timer
	stop  chan struct{}
	once  sync.Once
	fired chan struct{}
}

// After runs fn in its own goroutine once d has elapsed on clk, unless the
// task is canceled first. A task that loses the race with Cancel may still
// run fn, so callbacks must re-check under their own lock that they are the
// currently armed task. A panic in fn is contained by crashguard.
func After(clk clock.Clock, d time.Duration, fn func()) *Task {
	t := &Task{
		timer: clk.NewTimer(d),
		stop:  make(chan struct{}),
		fired: make(chan struct{}),
	}
	crashguard.Go("scheduled task", func() {
		select {
		case <-t.timer.C():
			close(t.fired)
			fn()
		case <-t.stop:
		}
	})
	return t
}

// Cancel stops the task. It reports whether the task was still pending.
// Canceling a nil or already canceled task is a no-op.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	pending := false
	t.once.Do(func() {
		pending = t.timer.Stop()
		close(t.stop)
	})
	return pending
}

// Fired is closed once the deadline has passed and the callback is about to
// run.
func (t *Task) Fired() <-chan struct{} {
	return t.fired
}
