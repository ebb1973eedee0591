// Package schedule runs deferred tasks for the coordinator.
//
// Every callback is delivered through a post function so it executes on the
// coordinator's single mailbox goroutine instead of the timer goroutine. Timers
// are not guaranteed to be cancelled before they fire; callbacks must re-check
// that the entity they act on is still live.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Timer is a handle on a deferred task
type Timer interface {
	// Stop prevents the task from running. It returns false if the task already ran or was stopped.
	Stop() bool
}

// Scheduler runs fn once after d
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
}

// Mailbox schedules tasks on wall-clock timers and hands them to post when due
type Mailbox struct {
	post func(fn func())
}

// NewMailbox creates a scheduler whose callbacks are handed to post
func NewMailbox(post func(fn func())) *Mailbox {
	return &Mailbox{post: post}
}

// After implements Scheduler
func (m *Mailbox) After(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { m.post(fn) })
}

// Manual is a scheduler driven by Advance, for deterministic tests
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	m       *Manual
	at      time.Time
	seq     int
	fn      func()
	stopped bool
}

// NewManual creates a manual scheduler starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the scheduler's current time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After implements Scheduler
func (m *Manual) After(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves time forward by d and runs every task that became due, in
// due-time order. Tasks scheduled by running tasks run too if they fall inside
// the window. It returns the number of tasks run.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	ran := 0
	for {
		next := m.popDue(target)
		if next == nil {
			break
		}
		m.now = next.at
		m.mu.Unlock()
		next.fn()
		ran++
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
	return ran
}

// Pending returns the number of tasks waiting to run
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.stopped {
			n++
		}
	}
	return n
}

// popDue removes and returns the earliest live task due at or before target. Caller holds mu.
func (m *Manual) popDue(target time.Time) *manualTask {
	sort.SliceStable(m.tasks, func(i, j int) bool {
		if m.tasks[i].at.Equal(m.tasks[j].at) {
			return m.tasks[i].seq < m.tasks[j].seq
		}
		return m.tasks[i].at.Before(m.tasks[j].at)
	})
	for i, t := range m.tasks {
		if t.stopped {
			continue
		}
		if t.at.After(target) {
			return nil
		}
		m.tasks = append(m.tasks[:i:i], m.tasks[i+1:]...)
		return t
	}
	return nil
}

func (t *manualTask) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	for i, other := range t.m.tasks {
		if other == t {
			t.m.tasks = append(t.m.tasks[:i:i], t.m.tasks[i+1:]...)
			t.stopped = true
			return true
		}
	}
	return false
}
