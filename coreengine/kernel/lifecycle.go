// Package kernel provides the emergency-mode controller and case session
// bookkeeping.
//
// Session lifecycle:
//   - Register creates a PENDING session with the policy captured at start
//   - Activate moves it into the pipeline
//   - Finish records the outcome (completed, monitoring or error)
//   - CleanupFinished drops finished sessions past retention
package kernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/observability"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// ErrSessionExists is returned when a session id is registered twice.
var ErrSessionExists = errors.New("session already registered")

// =============================================================================
// Valid State Transitions
// =============================================================================

// validSessionTransitions defines allowed session transitions.
var validSessionTransitions = map[SessionState]map[SessionState]bool{
	SessionPending: {
		SessionActive: true,
		SessionError:  true,
	},
	SessionActive: {
		SessionCompleted:  true,
		SessionMonitoring: true,
		SessionError:      true,
	},
	SessionCompleted:  {},
	SessionMonitoring: {},
	SessionError:      {},
}

// IsValidSessionTransition checks if a session transition is valid.
func IsValidSessionTransition(from, to SessionState) bool {
	if targets, ok := validSessionTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// Session Registry
// =============================================================================

// SessionRegistry tracks every case session the system has started.
// Thread-safe.
type SessionRegistry struct {
	sessions map[string]*Session
	now      func() time.Time
	mu       sync.RWMutex
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the registry clock.
func (r *SessionRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register creates a PENDING session. The requested priority is stored
// normalized to lower case.
func (r *SessionRegistry) Register(id, workflow, priority string, p policy.Policy) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	normalized := strings.ToLower(strings.TrimSpace(priority))
	s := &Session{
		ID:        id,
		Workflow:  workflow,
		Priority:  normalized,
		Level:     policy.ParsePriority(normalized),
		Policy:    p,
		State:     SessionPending,
		CreatedAt: r.now(),
	}
	r.sessions[id] = s
	return *s, nil
}

// Activate moves a PENDING session into the pipeline.
func (r *SessionRegistry) Activate(id string) error {
	if _, err := r.transition(id, SessionActive); err != nil {
		return err
	}
	observability.SessionStarted()
	return nil
}

// Finish records the final state of a session. A PENDING session may only
// finish in error.
func (r *SessionRegistry) Finish(id string, state SessionState) error {
	from, err := r.transition(id, state)
	if err != nil {
		return err
	}
	if from == SessionActive {
		observability.SessionFinished()
	}
	return nil
}

func (r *SessionRegistry) transition(id string, to SessionState) (SessionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return "", fmt.Errorf("unknown session: %s", id)
	}
	from := s.State
	if !IsValidSessionTransition(from, to) {
		return from, fmt.Errorf("invalid session transition for %s: %s -> %s", id, s.State, to)
	}
	now := r.now()
	switch {
	case to == SessionActive:
		s.StartedAt = &now
	case to.IsFinished():
		s.FinishedAt = &now
	}
	s.State = to
	return from, nil
}

// Get returns a copy of a session.
func (r *SessionRegistry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Active returns the sessions still in the pipeline, oldest first.
func (r *SessionRegistry) Active() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.State.IsFinished() {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CountActive counts unfinished sessions with the given requested priority.
func (r *SessionRegistry) CountActive(priority string) int {
	priority = strings.ToLower(strings.TrimSpace(priority))
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, s := range r.sessions {
		if !s.State.IsFinished() && s.Priority == priority {
			count++
		}
	}
	return count
}

// CountFinishedSince counts sessions that finished at or after t.
func (r *SessionRegistry) CountFinishedSince(t time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, s := range r.sessions {
		if s.FinishedAt != nil && !s.FinishedAt.Before(t) {
			count++
		}
	}
	return count
}

// CleanupFinished removes sessions finished longer than retention ago and
// returns how many were removed.
func (r *SessionRegistry) CleanupFinished(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-retention)
	removed := 0
	for id, s := range r.sessions {
		if s.FinishedAt != nil && s.FinishedAt.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByState returns session counts keyed by state.
func (r *SessionRegistry) CountByState() map[SessionState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[SessionState]int)
	for _, s := range r.sessions {
		counts[s.State]++
	}
	return counts
}
