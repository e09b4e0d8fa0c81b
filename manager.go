package remotefs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrManagerClosed is returned by Connect after CloseAll.
var ErrManagerClosed = errors.New("session manager is closed")

// openFunc establishes a session. Replaced in tests.
type openFunc func(ctx context.Context, d Descriptor, opts Options) (*Session, error)

// SessionManager owns the sessions of any number of hosts and guarantees at
// most one Ready session per identity. Connect, Close and the liveness
// watchers are serialized per identity through a single state table.
type SessionManager struct {
	mu      sync.Mutex
	entries map[Identity]*managedSession
	closed  bool

	states  *stateTracker
	open    openFunc
	opts    Options
	logger  *zap.Logger
	metrics *Metrics
}

// managedSession is the state table entry for one identity.
type managedSession struct {
	desc    Descriptor
	session *Session
	err     error
	// ready is closed when the connect attempt has finished.
	ready chan struct{}
	stop  chan struct{}
}

func (e *managedSession) finished() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

// WithOptions sets the transport options used for every Connect.
func WithOptions(opts Options) ManagerOption {
	return func(m *SessionManager) { m.opts = opts }
}

// WithLogger sets the logger of the manager and of the sessions it opens.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *SessionManager) { m.opts.Logger = logger }
}

// WithMetrics records session state gauges on metrics.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *SessionManager) { m.metrics = metrics }
}

func withOpener(open openFunc) ManagerOption {
	return func(m *SessionManager) { m.open = open }
}

// NewSessionManager creates an empty manager.
func NewSessionManager(opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		entries: make(map[Identity]*managedSession),
		states:  newStateTracker(),
		open:    Open,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.opts = m.opts.WithDefaults()
	m.logger = m.opts.Logger
	return m
}

// Connect returns the Ready session for d's identity, opening one if needed.
// Concurrent calls for the same identity share one connect attempt and get
// the same *Session or the same error. A descriptor whose identity matches a
// live or connecting session but whose credential differs fails with
// ErrDescriptorConflict. Validation errors, including an empty password, are
// returned before any network I/O.
func (m *SessionManager) Connect(ctx context.Context, d Descriptor) (*Session, error) {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return nil, &TransportError{Phase: PhaseValidate, Addr: d.Addr(), Kind: KindInvalidArgument, Err: err}
	}
	id := d.Identity()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	var stale *Session
	if e, ok := m.entries[id]; ok {
		if !sameCredential(e.desc.Credential, d.Credential) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDescriptorConflict, id)
		}
		if !e.finished() {
			m.mu.Unlock()
			select {
			case <-e.ready:
				return e.session, e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e.session.Alive() {
			m.mu.Unlock()
			return e.session, nil
		}
		stale = m.dropLocked(e, "transport lost")
	}

	e := &managedSession{desc: d, ready: make(chan struct{}), stop: make(chan struct{})}
	m.entries[id] = e
	m.transitionLocked(id, StateConnecting, "connect requested")
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	start := time.Now()
	s, err := m.open(ctx, d, m.opts)

	m.mu.Lock()
	var orphan *Session
	if err == nil && m.closed {
		orphan, s, err = s, nil, ErrManagerClosed
	}
	e.session, e.err = s, err
	close(e.ready)

	if err != nil {
		delete(m.entries, id)
		m.transitionLocked(id, StateFailed, err.Error())
		m.logger.Warn("connect failed", identityField(id), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		m.mu.Unlock()
		if orphan != nil {
			orphan.Close()
		}
		return nil, err
	}

	m.transitionLocked(id, StateReady, "connected")
	m.logger.Info("session ready", identityField(id), zap.Duration("elapsed", time.Since(start)))
	go m.watch(e)
	if m.opts.KeepaliveInterval > 0 {
		go m.keepalive(e, m.opts.KeepaliveInterval)
	}
	m.mu.Unlock()
	return s, nil
}

// watch moves the identity to Closed when the session's transport dies.
func (m *SessionManager) watch(e *managedSession) {
	<-e.session.Done()
	m.mu.Lock()
	var dropped *Session
	if m.entries[e.desc.Identity()] == e {
		dropped = m.dropLocked(e, "transport lost")
	}
	m.mu.Unlock()
	if dropped != nil {
		dropped.Close()
	}
}

// keepalive probes the session periodically and closes it when a probe
// fails. The watcher then records the transition.
func (m *SessionManager) keepalive(e *managedSession, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-e.session.Done():
			return
		case <-ticker.C:
			if err := e.session.Keepalive(); err != nil {
				m.logger.Warn("keepalive failed, closing session", identityField(e.desc.Identity()), zap.Error(err))
				e.session.Close()
				return
			}
		}
	}
}

// dropLocked removes a Ready entry after its transport died and returns the
// session for the caller to close once m.mu is released. m.mu must be held.
func (m *SessionManager) dropLocked(e *managedSession, reason string) *Session {
	id := e.desc.Identity()
	delete(m.entries, id)
	close(e.stop)
	if m.states.transitionIf(id, StateReady, StateClosed, reason) {
		m.metrics.RecordTransition(StateReady, StateClosed)
	}
	m.logger.Info("session dropped", identityField(id), zap.String("reason", reason))
	return e.session
}

func (m *SessionManager) transitionLocked(id Identity, to State, reason string) {
	from := m.states.get(id)
	if err := m.states.transition(id, to, reason); err != nil {
		m.logger.Debug("state transition refused", identityField(id), zap.Error(err))
		return
	}
	m.metrics.RecordTransition(from, to)
}

// Close closes s if it is the managed session of its identity, moving the
// identity through Closing to Closed. Closing a session the manager no
// longer tracks just closes it. Close always returns nil.
func (m *SessionManager) Close(s *Session) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	id := s.Identity()
	if e, ok := m.entries[id]; ok && e.session == s {
		m.closeLocked(e, "close requested")
	}
	m.mu.Unlock()
	return s.Close()
}

// CloseIdentity closes the Ready session of id, if any. An identity that is
// still connecting is left alone.
func (m *SessionManager) CloseIdentity(id Identity) error {
	m.mu.Lock()
	var s *Session
	if e, ok := m.entries[id]; ok && e.finished() && e.session != nil {
		s = m.closeLocked(e, "close requested")
	}
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
	return nil
}

// CloseAll closes every Ready session and makes later Connect calls fail
// with ErrManagerClosed. In-flight connects are closed as they complete.
func (m *SessionManager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	var sessions []*Session
	for _, e := range m.entries {
		if e.finished() && e.session != nil {
			sessions = append(sessions, m.closeLocked(e, "manager closed"))
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

// closeLocked removes the entry and records Closing then Closed. The
// returned session is closed by the caller after m.mu is released, so a
// slow teardown never holds up other identities.
func (m *SessionManager) closeLocked(e *managedSession, reason string) *Session {
	id := e.desc.Identity()
	delete(m.entries, id)
	close(e.stop)
	m.transitionLocked(id, StateClosing, reason)
	m.transitionLocked(id, StateClosed, reason)
	m.logger.Info("session closed", identityField(id), zap.String("reason", reason))
	return e.session
}

// State returns the lifecycle state of id.
func (m *SessionManager) State(id Identity) State {
	return m.states.get(id)
}

// Session returns the Ready session of id.
func (m *SessionManager) Session(id Identity) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !e.finished() || e.session == nil || !e.session.Alive() {
		return nil, false
	}
	return e.session, true
}

// Sessions returns the Ready sessions ordered by identity.
func (m *SessionManager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, e := range m.entries {
		if e.finished() && e.session != nil && e.session.Alive() {
			out = append(out, e.session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().String() < out[j].Identity().String()
	})
	return out
}

// Count returns the number of Ready sessions.
func (m *SessionManager) Count() int {
	return len(m.Sessions())
}

// Transitions returns the recent transitions of id, oldest first. Up to 50
// are retained.
func (m *SessionManager) Transitions(id Identity) []StateTransition {
	return m.states.history(id)
}

// OnStateChange registers a callback invoked on every state change. It runs
// with the manager lock held and must not call back into the manager.
func (m *SessionManager) OnStateChange(cb StateChangeCallback) {
	m.states.onStateChange(cb)
}

// Forget resets a Failed or Closed identity to Absent.
func (m *SessionManager) Forget(id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.states.get(id)
	if err := m.states.transition(id, StateAbsent, "forgotten"); err != nil {
		return err
	}
	m.metrics.RecordTransition(from, StateAbsent)
	return nil
}
