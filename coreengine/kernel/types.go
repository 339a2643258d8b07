package kernel

import (
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// =============================================================================
// Emergency Modes
// =============================================================================

// Mode is the system-wide operating mode.
type Mode string

const (
	ModeNormal       Mode = "NORMAL"
	ModeDegraded     Mode = "DEGRADED"
	ModeDisaster     Mode = "DISASTER"
	ModeMassCasualty Mode = "MASS_CASUALTY"
	ModeIsolation    Mode = "ISOLATION"
	ModeRecovery     Mode = "RECOVERY"
)

// IsEmergency reports whether the mode is one of the activatable modes.
func (m Mode) IsEmergency() bool {
	switch m {
	case ModeDegraded, ModeDisaster, ModeMassCasualty, ModeIsolation:
		return true
	}
	return false
}

// ParseMode normalizes a mode name. The second result is false for unknown names.
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeNormal, ModeDegraded, ModeDisaster, ModeMassCasualty, ModeIsolation, ModeRecovery:
		return m, true
	}
	return "", false
}

// validModeTransitions defines allowed mode transitions.
var validModeTransitions = map[Mode][]Mode{
	ModeNormal:       {ModeDegraded, ModeDisaster, ModeMassCasualty, ModeIsolation},
	ModeDegraded:     {ModeRecovery},
	ModeDisaster:     {ModeRecovery},
	ModeMassCasualty: {ModeRecovery},
	ModeIsolation:    {ModeRecovery},
	ModeRecovery:     {ModeNormal},
}

// IsValidModeTransition checks if a mode transition is allowed.
func IsValidModeTransition(from, to Mode) bool {
	for _, allowed := range validModeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ModeState is an immutable view of the emergency mode. Readers obtain it
// through ModeController.Snapshot and must not modify it.
type ModeState struct {
	Mode         Mode            `json:"mode"`
	EmergencyID  string          `json:"emergency_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Severity     policy.Severity `json:"severity,omitempty"`
	ActivatedAt  time.Time       `json:"activated_at,omitempty"`
	EstimatedEnd time.Time       `json:"estimated_end,omitempty"`
	Policy       policy.Policy   `json:"policy"`
}

// Active reports whether an emergency is in effect.
func (s *ModeState) Active() bool {
	return s != nil && s.Mode != ModeNormal
}

// Transition is a single mode change delivered to listeners.
type Transition struct {
	From   Mode
	To     Mode
	At     time.Time
	Reason string
}

// TransitionListener observes mode transitions.
type TransitionListener func(Transition)

// =============================================================================
// Sessions
// =============================================================================

// SessionState is the registry-side lifecycle of a case session.
type SessionState string

const (
	SessionPending    SessionState = "pending"
	SessionActive     SessionState = "active"
	SessionCompleted  SessionState = "completed"
	SessionMonitoring SessionState = "monitoring"
	SessionError      SessionState = "error"
)

// IsFinished reports whether the session has left the pipeline.
func (s SessionState) IsFinished() bool {
	return s == SessionCompleted || s == SessionMonitoring || s == SessionError
}

// Session is the registry entry for one case.
type Session struct {
	ID         string               `json:"session_id"`
	Workflow   string               `json:"workflow"`
	Priority   string               `json:"priority"`
	Level      policy.PriorityLevel `json:"priority_level"`
	Policy     policy.Policy        `json:"policy"`
	State      SessionState         `json:"state"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

// =============================================================================
// Kernel Events
// =============================================================================

// KernelEventType names kernel events.
type KernelEventType string

const (
	EventModeChanged       KernelEventType = "mode.changed"
	EventSessionRegistered KernelEventType = "session.registered"
	EventSessionFinished   KernelEventType = "session.finished"
)

// KernelEvent is delivered to kernel event handlers.
type KernelEvent struct {
	EventType KernelEventType `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}
