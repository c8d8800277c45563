package dispatch

import (
	"sync"
	"time"
)

// outcome is the terminal signal delivered to a waiter: exactly one of
// result/err is set.
type outcome struct {
	result *Result
	err    error
}

type waiterEntry struct {
	ch    chan outcome
	timer *time.Timer
}

// waiterRegistry bridges the asynchronous task lifecycle to callers blocked
// in WaitForCompletion. Each registered waiter is resolved, rejected, or
// timed out exactly once; whichever path wins removes the entry first, so the
// losers become no-ops. Resolving an id nobody waits on is deliberately
// silent: tasks routinely complete before anyone asks.
type waiterRegistry struct {
	mu      sync.Mutex
	entries map[string][]*waiterEntry
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{entries: make(map[string][]*waiterEntry)}
}

// register adds a waiter for taskID and arms its deadline. The returned
// channel is buffered so delivery never blocks the dispatcher.
func (w *waiterRegistry) register(taskID string, timeout time.Duration) *waiterEntry {
	e := &waiterEntry{ch: make(chan outcome, 1)}
	w.mu.Lock()
	w.entries[taskID] = append(w.entries[taskID], e)
	w.mu.Unlock()
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			w.fail(taskID, e, ErrTaskTimeout)
		})
	}
	return e
}

// resolve delivers a success to every waiter registered for taskID.
func (w *waiterRegistry) resolve(taskID string, res *Result) {
	for _, e := range w.take(taskID) {
		e.ch <- outcome{result: res}
	}
}

// reject delivers a failure to every waiter registered for taskID.
func (w *waiterRegistry) reject(taskID string, err error) {
	for _, e := range w.take(taskID) {
		e.ch <- outcome{err: err}
	}
}

// fail removes a single waiter and delivers err to it, if it is still
// registered. Used for per-waiter deadlines and abandoned calls.
func (w *waiterRegistry) fail(taskID string, target *waiterEntry, err error) {
	w.mu.Lock()
	entries := w.entries[taskID]
	found := false
	for i, e := range entries {
		if e == target {
			entries = append(entries[:i], entries[i+1:]...)
			found = true
			break
		}
	}
	if len(entries) == 0 {
		delete(w.entries, taskID)
	} else {
		w.entries[taskID] = entries
	}
	w.mu.Unlock()
	if found {
		target.ch <- outcome{err: err}
	}
}

// take removes and returns all waiters for taskID, stopping their timers.
func (w *waiterRegistry) take(taskID string) []*waiterEntry {
	w.mu.Lock()
	entries := w.entries[taskID]
	delete(w.entries, taskID)
	w.mu.Unlock()
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	return entries
}
