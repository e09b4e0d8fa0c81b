package remotefs

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of the session for one identity.
type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// legalTransitions lists, for each state, the states it may move to.
var legalTransitions = map[State][]State{
	StateAbsent:     {StateConnecting},
	StateConnecting: {StateReady, StateFailed},
	StateReady:      {StateClosing, StateClosed},
	StateClosing:    {StateClosed},
	StateFailed:     {StateConnecting, StateAbsent},
	StateClosed:     {StateConnecting, StateAbsent},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateHistorySize is the number of transitions kept per identity.
const stateHistorySize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// StateChangeCallback is called after every accepted transition. Callbacks
// run synchronously while the session manager holds its lock, so they must
// not call back into the manager.
type StateChangeCallback func(id Identity, from, to State)

type stateEntry struct {
	current     State
	transitions [stateHistorySize]StateTransition
	head        int
	count       int
}

func (e *stateEntry) record(from, to State, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateHistorySize
	if e.count < stateHistorySize {
		e.count++
	}
}

// history returns the transitions oldest first.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	result := make([]StateTransition, e.count)
	if e.count < stateHistorySize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

// stateTracker holds per-identity state, history and callbacks.
type stateTracker struct {
	mu        sync.RWMutex
	states    map[Identity]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[Identity]*stateEntry)}
}

// transition moves id to state `to`. Illegal moves are refused and leave the
// state untouched.
func (st *stateTracker) transition(id Identity, to State, reason string) error {
	return st.transitionFrom(id, nil, to, reason)
}

// transitionIf moves id to `to` only if it is currently in `from`.
func (st *stateTracker) transitionIf(id Identity, from, to State, reason string) bool {
	return st.transitionFrom(id, &from, to, reason) == nil
}

func (st *stateTracker) transitionFrom(id Identity, expect *State, to State, reason string) error {
	st.mu.Lock()
	entry, ok := st.states[id]
	if !ok {
		entry = &stateEntry{current: StateAbsent}
		st.states[id] = entry
	}
	from := entry.current
	if expect != nil && *expect != from {
		st.mu.Unlock()
		return fmt.Errorf("state of %s is %s, not %s", id, from, *expect)
	}
	if !CanTransition(from, to) {
		st.mu.Unlock()
		return fmt.Errorf("illegal state transition for %s: %s -> %s", id, from, to)
	}
	entry.current = to
	entry.record(from, to, reason)

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(id, from, to)
	}
	return nil
}

func (st *stateTracker) get(id Identity) State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if entry, ok := st.states[id]; ok {
		return entry.current
	}
	return StateAbsent
}

func (st *stateTracker) history(id Identity) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if entry, ok := st.states[id]; ok {
		return entry.history()
	}
	return nil
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
