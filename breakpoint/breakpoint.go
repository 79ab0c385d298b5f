// Package breakpoint implements the gateway's pause/resume state machine
// for in-flight spans. State lives in plain Go channels and maps; paused
// spans do not survive a process restart.
package breakpoint

import (
	"sync"

	"github.com/vllora/gateway/hooks"
)

// State is one of the four states a (thread_id, span_id) breakpoint record
// can be in.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateResumed State = "resumed"
	StateError   State = "error"
)

// Predicate decides whether a span in the given operation should be
// paused, given a read-only view of its in-flight metadata. Returning
// false never pauses; a missing breakpoint for a thread also never pauses.
type Predicate func(operation string, meta map[string]any) bool

// Action is the operator's decision when resuming a paused span.
type Action string

const (
	ActionContinue Action = "continue"
	ActionAbort    Action = "abort"
)

// Decision is delivered to a paused span's waiter via Resume.
type Decision struct {
	Action Action
	Notes  string
}

// Record is the externally visible snapshot of one breakpoint, returned by
// List.
type Record struct {
	ThreadID       string
	SpanID         string
	State          State
	BufferedEvents int
	ErrorCode      string
}

// Handle identifies one armed/paused span within a thread.
type Handle struct {
	ThreadID string
	SpanID   string
}

// ErrNotPaused is returned by Resume when the given handle isn't currently
// paused (already resumed, aborted, or never hit).
type ErrNotPaused struct{ Handle Handle }

func (e ErrNotPaused) Error() string {
	return "breakpoint: " + e.Handle.SpanID + " is not paused"
}

type spanState struct {
	state      State
	errorCode  string
	decisionCh chan Decision
	buffered   []hooks.Event
}

type threadState struct {
	mu        sync.Mutex
	predicate Predicate
	spans     map[string]*spanState
	listener  *listener
}

type listener struct {
	ch chan hooks.Event
}

// Manager owns the breakpoint registry: armed predicates, paused spans, and
// their buffered events, keyed by thread_id. It is a process-wide
// singleton with explicit construction, guarded by one lock per thread
// rather than one global lock so unrelated threads never contend.
type Manager struct {
	mu      sync.RWMutex
	threads map[string]*threadState
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{threads: make(map[string]*threadState)}
}

func (m *Manager) thread(threadID string, create bool) *threadState {
	m.mu.RLock()
	ts, ok := m.threads[threadID]
	m.mu.RUnlock()
	if ok || !create {
		return ts
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok = m.threads[threadID]; ok {
		return ts
	}
	ts = &threadState{spans: make(map[string]*spanState)}
	m.threads[threadID] = ts
	return ts
}

// Arm registers predicate as the breakpoint condition for threadID,
// replacing any prior predicate for that thread.
func (m *Manager) Arm(threadID string, predicate Predicate) {
	ts := m.thread(threadID, true)
	ts.mu.Lock()
	ts.predicate = predicate
	ts.mu.Unlock()
}

// Armed reports whether predicate(operation, meta) currently pauses spans
// on threadID. The pipeline calls this once per delta to decide whether to
// call Hit.
func (m *Manager) Armed(threadID, operation string, meta map[string]any) bool {
	ts := m.thread(threadID, false)
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	pred := ts.predicate
	ts.mu.Unlock()
	return pred != nil && pred(operation, meta)
}

// Hit transitions (threadID, spanID) into Paused and returns a channel that
// receives exactly one Decision once an operator calls Resume (or the
// Manager forces one via Abort/ReceiverDropped). The caller must drain the
// channel before giving up on it, or call Abort(threadID) to force it
// closed.
func (m *Manager) Hit(threadID, spanID string) <-chan Decision {
	ts := m.thread(threadID, true)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ss, ok := ts.spans[spanID]
	if !ok {
		ss = &spanState{}
		ts.spans[spanID] = ss
	}
	ss.state = StatePaused
	ss.decisionCh = make(chan Decision, 1)
	return ss.decisionCh
}

// Buffer appends an event to the paused span's replay buffer and, if a
// listener has joined the thread, also forwards it live.
func (m *Manager) Buffer(threadID, spanID string, event hooks.Event) {
	ts := m.thread(threadID, true)
	ts.mu.Lock()
	ss, ok := ts.spans[spanID]
	if !ok {
		ss = &spanState{}
		ts.spans[spanID] = ss
	}
	ss.buffered = append(ss.buffered, event)
	l := ts.listener
	ts.mu.Unlock()
	if l != nil {
		select {
		case l.ch <- event:
		default:
		}
	}
}

// List returns the current breakpoint records for threadID.
func (m *Manager) List(threadID string) []Record {
	ts := m.thread(threadID, false)
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Record, 0, len(ts.spans))
	for spanID, ss := range ts.spans {
		out = append(out, Record{
			ThreadID: threadID, SpanID: spanID, State: ss.state,
			BufferedEvents: len(ss.buffered), ErrorCode: ss.errorCode,
		})
	}
	return out
}

// Resume delivers decision to the span's waiter and transitions it to
// Resumed. Returns ErrNotPaused if the span isn't currently paused.
func (m *Manager) Resume(threadID, spanID string, decision Decision) error {
	ts := m.thread(threadID, false)
	if ts == nil {
		return ErrNotPaused{Handle{threadID, spanID}}
	}
	ts.mu.Lock()
	ss, ok := ts.spans[spanID]
	if !ok || ss.state != StatePaused {
		ts.mu.Unlock()
		return ErrNotPaused{Handle{threadID, spanID}}
	}
	ss.state = StateResumed
	ch := ss.decisionCh
	ts.mu.Unlock()

	ch <- decision
	return nil
}

// Abort force-resumes every paused span on threadID with an Abort
// decision, used when an operator tears down a thread outright.
func (m *Manager) Abort(threadID string) {
	ts := m.thread(threadID, false)
	if ts == nil {
		return
	}
	ts.mu.Lock()
	var toAbort []*spanState
	for _, ss := range ts.spans {
		if ss.state == StatePaused {
			ss.state = StateResumed
			toAbort = append(toAbort, ss)
		}
	}
	ts.mu.Unlock()
	for _, ss := range toAbort {
		ss.decisionCh <- Decision{Action: ActionAbort, Notes: "thread aborted"}
	}
}

// ReceiverDropped is the receiver guard: when the event-bus receiver for
// threadID is dropped while a span is Paused, every paused span on that
// thread transitions to Error with code "receiver_dropped" instead of
// hanging forever waiting for a Resume that can no longer reach a
// listening client.
func (m *Manager) ReceiverDropped(threadID string) {
	ts := m.thread(threadID, false)
	if ts == nil {
		return
	}
	ts.mu.Lock()
	var toFail []*spanState
	for _, ss := range ts.spans {
		if ss.state == StatePaused {
			ss.state = StateError
			ss.errorCode = "receiver_dropped"
			toFail = append(toFail, ss)
		}
	}
	ts.mu.Unlock()
	for _, ss := range toFail {
		ss.decisionCh <- Decision{Action: ActionAbort, Notes: "receiver_dropped"}
	}
}

// Join attaches a live listener to threadID, replaying every event
// buffered so far and then forwarding new ones as Buffer is called. A
// second Join for the same thread replaces the first, inheriting its
// buffered backlog, so joining is idempotent. capacity <= 0 uses a
// default of 256.
func (m *Manager) Join(threadID string, capacity int) <-chan hooks.Event {
	if capacity <= 0 {
		capacity = 256
	}
	ts := m.thread(threadID, true)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	l := &listener{ch: make(chan hooks.Event, capacity)}
	ts.listener = l
	for _, ss := range ts.spans {
		for _, ev := range ss.buffered {
			select {
			case l.ch <- ev:
			default:
			}
		}
	}
	return l.ch
}

// CloseThread releases all breakpoint state for threadID, including any
// live listener channel, once the thread itself is closed.
func (m *Manager) CloseThread(threadID string) {
	m.mu.Lock()
	ts, ok := m.threads[threadID]
	if ok {
		delete(m.threads, threadID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	if ts.listener != nil {
		close(ts.listener.ch)
	}
	ts.mu.Unlock()
}
