// Package commbus message definitions.
//
// Categories:
//   - EVENT: fire-and-forget, fan-out to subscribers
//   - QUERY: request-response, single handler
package commbus

import "time"

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	MessageCategoryEvent MessageCategory = "event"
	MessageCategoryQuery MessageCategory = "query"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// =============================================================================
// CASE LIFECYCLE EVENTS
// =============================================================================

// CaseStarted is emitted when a case session enters its workflow.
type CaseStarted struct {
	SessionID string    `json:"session_id"`
	Workflow  string    `json:"workflow"`
	Priority  string    `json:"priority"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// Category implements the Message interface.
func (m *CaseStarted) Category() string { return string(MessageCategoryEvent) }

// StageCompleted is emitted after each workflow stage.
type StageCompleted struct {
	SessionID  string `json:"session_id"`
	Stage      string `json:"stage"`
	Status     string `json:"status"` // "success" or "error"
	DurationMS int    `json:"duration_ms"`
}

// Category implements the Message interface.
func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }

// CaseCompleted is emitted when a case session leaves the pipeline.
type CaseCompleted struct {
	SessionID  string  `json:"session_id"`
	Workflow   string  `json:"workflow"`
	Status     string  `json:"status"` // "completed", "monitoring" or "error"
	DurationMS int     `json:"duration_ms"`
	Error      *string `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *CaseCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// ALERT EVENTS
// =============================================================================

// CriticalFindingAlert is published once per critical finding whose
// confidence reaches the session's alert threshold.
// Subscribers: paging, notification fan-out, audit.
type CriticalFindingAlert struct {
	SessionID   string    `json:"session_id"`
	Source      string    `json:"source"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Confidence  float64   `json:"confidence"`
	Threshold   float64   `json:"threshold"`
	Timestamp   time.Time `json:"timestamp"`
}

// Category implements the Message interface.
func (m *CriticalFindingAlert) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// EMERGENCY MODE EVENTS
// =============================================================================

// EmergencyModeChanged is emitted on every emergency mode transition.
type EmergencyModeChanged struct {
	EmergencyID string    `json:"emergency_id,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Category implements the Message interface.
func (m *EmergencyModeChanged) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// GetCaseStatus asks for the current summary of a case session.
type GetCaseStatus struct {
	SessionID string `json:"session_id"`
}

// Category implements the Message interface.
func (m *GetCaseStatus) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetCaseStatus) IsQuery() {}

// HealthCheckRequest asks the system for its health.
type HealthCheckRequest struct {
	Component string `json:"component,omitempty"`
}

// Category implements the Message interface.
func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse answers HealthCheckRequest.
type HealthCheckResponse struct {
	Status         HealthStatus `json:"status"`
	Mode           string       `json:"mode"`
	ActiveSessions int          `json:"active_sessions"`
}

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage is an optional interface for messages that provide their own
// type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *CaseStarted:
		return "CaseStarted"
	case *StageCompleted:
		return "StageCompleted"
	case *CaseCompleted:
		return "CaseCompleted"
	case *CriticalFindingAlert:
		return "CriticalFindingAlert"
	case *EmergencyModeChanged:
		return "EmergencyModeChanged"
	case *GetCaseStatus:
		return "GetCaseStatus"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	default:
		return "Unknown"
	}
}
