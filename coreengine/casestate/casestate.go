// Package casestate provides CaseState, the per-session entity a workflow
// graph mutates as a case moves through stages.
//
// Design:
//   - One writer per session; the runtime hands the state to one stage at a time
//   - COMPLETED and ERROR are terminal; mutators refuse to touch a terminal state
//   - Timeline is append-only and totally ordered by Sequence
//   - Time comes from an injected Clock so replays are reproducible
package casestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// =============================================================================
// STATUS
// =============================================================================

// WorkflowStatus is the lifecycle status of a case session.
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "PENDING"
	StatusActive     WorkflowStatus = "ACTIVE"
	StatusCompleted  WorkflowStatus = "COMPLETED"
	StatusMonitoring WorkflowStatus = "MONITORING"
	StatusError      WorkflowStatus = "ERROR"
)

// IsTerminal returns true for statuses that permit no further mutation.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

var validTransitions = map[WorkflowStatus]map[WorkflowStatus]bool{
	StatusPending: {
		StatusActive: true,
		StatusError:  true,
	},
	StatusActive: {
		StatusCompleted:  true,
		StatusMonitoring: true,
		StatusError:      true,
	},
	StatusMonitoring: {
		StatusCompleted: true,
		StatusError:     true,
	},
	StatusCompleted: {},
	StatusError:     {},
}

// IsValidTransition checks if a status transition is allowed.
func IsValidTransition(from, to WorkflowStatus) bool {
	return validTransitions[from][to]
}

// Timeline entry statuses.
const (
	EntryCompleted = "completed"
	EntryError     = "error"
)

var (
	// ErrTerminalState is returned when mutating a COMPLETED or ERROR state.
	ErrTerminalState = errors.New("case state is terminal")
	// ErrInvalidTransition is returned for a status change outside the table.
	ErrInvalidTransition = errors.New("invalid workflow status transition")
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts time for deterministic timelines.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// =============================================================================
// CASE STATE
// =============================================================================

// TimelineEntry records one stage transition.
type TimelineEntry struct {
	Sequence    int            `json:"sequence"`
	Step        string         `json:"step"`
	Event       string         `json:"event"`
	Status      string         `json:"status"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// CaseState is the mutable state of one case session.
type CaseState struct {
	SessionID       string           `json:"session_id"`
	Workflow        string           `json:"workflow,omitempty"`
	CurrentStep     string           `json:"current_step"`
	CaseData        map[string]any   `json:"case_data"`
	TriageResult    *TriageResult    `json:"triage_result,omitempty"`
	ImagingResult   *ImagingResult   `json:"imaging_result,omitempty"`
	Recommendations []Recommendation `json:"recommendations"`
	Status          WorkflowStatus   `json:"workflow_status"`
	Metadata        map[string]any   `json:"metadata"`
	Timeline        []TimelineEntry  `json:"timeline"`
	Policy          policy.Policy    `json:"policy"`
	FailedStage     string           `json:"failed_stage,omitempty"`
	ErrorMessage    string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`

	clock Clock
}

// Option configures a new CaseState.
type Option func(*CaseState)

// WithClock sets the clock used for timeline timestamps.
func WithClock(c Clock) Option {
	return func(s *CaseState) { s.clock = c }
}

// WithPolicy sets the policy snapshot the session runs under.
func WithPolicy(p policy.Policy) Option {
	return func(s *CaseState) { s.Policy = p }
}

// WithWorkflow records the named workflow the session runs.
func WithWorkflow(name string) Option {
	return func(s *CaseState) { s.Workflow = name }
}

// New creates a PENDING CaseState that owns a deep copy of caseData.
func New(sessionID string, caseData map[string]any, opts ...Option) *CaseState {
	s := &CaseState{
		SessionID:       sessionID,
		CurrentStep:     "start",
		CaseData:        deepCopyAnyMap(caseData),
		Recommendations: []Recommendation{},
		Status:          StatusPending,
		Metadata:        make(map[string]any),
		Timeline:        []TimelineEntry{},
		Policy:          policy.Default(),
		clock:           SystemClock{},
	}
	if s.CaseData == nil {
		s.CaseData = make(map[string]any)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.CreatedAt = s.clock.Now()
	return s
}

// Now returns the time according to the state's clock.
func (s *CaseState) Now() time.Time {
	if s.clock == nil {
		return SystemClock{}.Now()
	}
	return s.clock.Now()
}

// SetClock replaces the clock, used after restoring from a snapshot.
func (s *CaseState) SetClock(c Clock) {
	s.clock = c
}

// IsTerminal reports whether the state accepts no further mutation.
func (s *CaseState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

func (s *CaseState) checkMutable() error {
	if s.IsTerminal() {
		return fmt.Errorf("session %s: %w (%s)", s.SessionID, ErrTerminalState, s.Status)
	}
	return nil
}

// Transition moves the state to a new workflow status.
func (s *CaseState) Transition(to WorkflowStatus) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	if s.Status == to {
		return nil
	}
	if !IsValidTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// MarkStep records name as the last node that mutated the state.
func (s *CaseState) MarkStep(name string) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.CurrentStep = name
	return nil
}

// AddTimelineEvent appends a completed entry for step.
func (s *CaseState) AddTimelineEvent(step, event, description string, data map[string]any) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.appendEntry(step, event, EntryCompleted, description, data)
	return nil
}

func (s *CaseState) appendEntry(step, event, status, description string, data map[string]any) {
	s.Timeline = append(s.Timeline, TimelineEntry{
		Sequence:    len(s.Timeline) + 1,
		Step:        step,
		Event:       event,
		Status:      status,
		Description: description,
		Data:        deepCopyAnyMap(data),
		Timestamp:   s.Now(),
	})
}

// Fail marks the state ERROR with exactly one error entry naming step.
func (s *CaseState) Fail(step string, cause error) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	msg := "stage failed"
	if cause != nil {
		msg = cause.Error()
	}
	s.appendEntry(step, "stage_failed", EntryError, msg, nil)
	s.CurrentStep = step
	s.FailedStage = step
	s.ErrorMessage = msg
	s.Status = StatusError
	return nil
}

// SetTriageResult stores the triage outcome.
func (s *CaseState) SetTriageResult(r *TriageResult) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.TriageResult = r.clone()
	return nil
}

// SetImagingResult stores the imaging outcome.
func (s *CaseState) SetImagingResult(r *ImagingResult) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.ImagingResult = r.clone()
	return nil
}

// AddRecommendations appends recommendations in order.
func (s *CaseState) AddRecommendations(recs ...Recommendation) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.Recommendations = append(s.Recommendations, recs...)
	return nil
}

// SetMetadata stores a metadata value. Maps and slices are deep-copied.
func (s *CaseState) SetMetadata(key string, value any) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.Metadata[key] = deepCopyValue(value)
	return nil
}

// MetadataMap returns the metadata value at key as a map, or nil.
func (s *CaseState) MetadataMap(key string) map[string]any {
	m, _ := s.Metadata[key].(map[string]any)
	return m
}

// ErrorEntries returns the timeline entries marked as errors.
func (s *CaseState) ErrorEntries() []TimelineEntry {
	var out []TimelineEntry
	for _, e := range s.Timeline {
		if e.Status == EntryError {
			out = append(out, e)
		}
	}
	return out
}

// CountSteps returns how many timeline entries were recorded for step.
func (s *CaseState) CountSteps(step string) int {
	n := 0
	for _, e := range s.Timeline {
		if e.Step == step {
			n++
		}
	}
	return n
}

// =============================================================================
// Clone / Snapshot
// =============================================================================

// Clone creates a deep copy of the state, sharing only the clock.
func (s *CaseState) Clone() *CaseState {
	clone := &CaseState{
		SessionID:    s.SessionID,
		Workflow:     s.Workflow,
		CurrentStep:  s.CurrentStep,
		CaseData:     deepCopyAnyMap(s.CaseData),
		TriageResult: s.TriageResult.clone(),
		Status:       s.Status,
		Metadata:     deepCopyAnyMap(s.Metadata),
		Policy:       s.Policy,
		FailedStage:  s.FailedStage,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		clock:        s.clock,
	}
	clone.ImagingResult = s.ImagingResult.clone()
	clone.Recommendations = make([]Recommendation, len(s.Recommendations))
	copy(clone.Recommendations, s.Recommendations)
	clone.Timeline = make([]TimelineEntry, len(s.Timeline))
	for i, e := range s.Timeline {
		e.Data = deepCopyAnyMap(e.Data)
		clone.Timeline[i] = e
	}
	return clone
}

// Snapshot serializes the state for checkpointing.
func (s *CaseState) Snapshot() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot session %s: %w", s.SessionID, err)
	}
	return data, nil
}

// Restore rebuilds a state from a snapshot. The restored state uses the
// system clock until SetClock is called.
func Restore(data []byte) (*CaseState, error) {
	s := &CaseState{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("restore case state: %w", err)
	}
	if s.SessionID == "" {
		return nil, errors.New("restore case state: missing session_id")
	}
	if s.CaseData == nil {
		s.CaseData = make(map[string]any)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	if s.Recommendations == nil {
		s.Recommendations = []Recommendation{}
	}
	if s.Timeline == nil {
		s.Timeline = []TimelineEntry{}
	}
	s.clock = SystemClock{}
	return s, nil
}

// =============================================================================
// Deep copy helpers
// =============================================================================

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		return copyStrings(val)
	case []map[string]any:
		result := make([]map[string]any, len(val))
		for i, item := range val {
			result[i] = deepCopyAnyMap(item)
		}
		return result
	default:
		return v
	}
}
