// Package activity tracks per-session output activity, detects idle
// transitions, and broadcasts them to dashboard subscribers.
//
// Every substantial chunk of terminal output calls [Tracker.Record], which
// stamps the session's last-activity time and re-arms a single idle timer.
// If the timer expires with no newer activity the session is marked idle and
// an [EventIdle] is published. Activity after that publishes [EventActive].
// Continuous output keeps deferring the timer, so the idle notification fires
// at most once per contiguous idle interval.
package activity

import (
	"sync"
	"time"

	"github.com/gluk-w/termhub/internal/schedule"
	"k8s.io/utils/clock"
)

// DefaultIdleThreshold is how long a session must be silent before it is
// reported idle.
const DefaultIdleThreshold = 30 * time.Second

type idleState struct {
	task      *schedule.Task
	gen       uint64
	wasActive bool
	idleSince time.Time
}

// Tracker records last-activity timestamps and emits idle transitions.
type Tracker struct {
	mu        sync.Mutex
	clock     clock.Clock
	threshold time.Duration
	sink      Sink
	last      map[string]time.Time
	idle      map[string]*idleState
	stopped   bool
}

// NewTracker creates a tracker. A nil sink discards events; a non-positive
// threshold falls back to DefaultIdleThreshold.
func NewTracker(clk clock.Clock, threshold time.Duration, sink Sink) *Tracker {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	return &Tracker{
		clock:     clk,
		threshold: threshold,
		sink:      sink,
		last:      make(map[string]time.Time),
		idle:      make(map[string]*idleState),
	}
}

// Record stamps activity for a session and re-arms its idle timer.
func (t *Tracker) Record(session string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	t.last[session] = now

	st, seen := t.idle[session]
	if !seen {
		st = &idleState{}
		t.idle[session] = st
	}
	st.task.Cancel()
	resumed := seen && !st.wasActive
	st.wasActive = true
	st.gen++
	gen := st.gen
	st.task = schedule.After(t.clock, t.threshold, func() { t.expire(session, gen) })
	// Sinks never block, so publishing under the lock is safe and keeps
	// Stop a hard barrier.
	if resumed {
		t.sink.Publish(Event{Session: session, Type: EventActive, Timestamp: now})
	}
	t.mu.Unlock()
}

func (t *Tracker) expire(session string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.idle[session]
	if t.stopped || !ok || st.gen != gen || !st.wasActive {
		return
	}
	st.wasActive = false
	st.task = nil
	now := t.clock.Now()
	st.idleSince = now
	t.sink.Publish(Event{Session: session, Type: EventIdle, Timestamp: now})
}

// LastActivity returns the most recent activity time for a session.
func (t *Tracker) LastActivity(session string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[session]
	return ts, ok
}

// IsIdle reports whether the session has gone idle since its last activity.
// Sessions with no recorded activity are not idle.
func (t *Tracker) IsIdle(session string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.idle[session]
	return ok && !st.wasActive
}

// Forget drops all state for a session and cancels its idle timer.
func (t *Tracker) Forget(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.idle[session]; ok {
		st.task.Cancel()
		delete(t.idle, session)
	}
	delete(t.last, session)
}

// Stop cancels every idle timer and ignores later activity. No event is
// published after Stop returns.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for _, st := range t.idle {
		st.task.Cancel()
	}
}
