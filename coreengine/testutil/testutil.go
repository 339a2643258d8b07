// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/providers"
)

// =============================================================================
// STEP CLOCK
// =============================================================================

// StepClock returns Base, Base+Step, Base+2*Step... on successive calls.
// Two clocks with the same Base and Step yield identical timelines.
type StepClock struct {
	Base time.Time
	Step time.Duration

	mu    sync.Mutex
	ticks int
}

// NewStepClock creates a StepClock advancing one second per call.
func NewStepClock() *StepClock {
	return &StepClock{
		Base: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
		Step: time.Second,
	}
}

// Now implements casestate.Clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.Base.Add(time.Duration(c.ticks) * c.Step)
	c.ticks++
	return t
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// LogEntry is one captured log call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

type logStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

// MockLogger implements logging.Logger and records every call.
type MockLogger struct {
	store *logStore
	bound []any
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{store: &logStore{}}
}

func (m *MockLogger) record(level, msg string, kv []any) {
	fields := make(map[string]any)
	all := append(append([]any{}, m.bound...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		if key, ok := all[i].(string); ok {
			fields[key] = all[i+1]
		}
	}
	m.store.mu.Lock()
	m.store.entries = append(m.store.entries, LogEntry{Level: level, Msg: msg, Fields: fields})
	m.store.mu.Unlock()
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.record("debug", msg, keysAndValues) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.record("info", msg, keysAndValues) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.record("warn", msg, keysAndValues) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.record("error", msg, keysAndValues) }

// Bind returns a logger sharing this logger's entries with extra fields.
func (m *MockLogger) Bind(keysAndValues ...any) logging.Logger {
	return &MockLogger{
		store: m.store,
		bound: append(append([]any{}, m.bound...), keysAndValues...),
	}
}

// Entries returns a copy of every captured entry.
func (m *MockLogger) Entries() []LogEntry {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return append([]LogEntry(nil), m.store.entries...)
}

// Find returns the first entry with msg.
func (m *MockLogger) Find(msg string) (LogEntry, bool) {
	for _, e := range m.Entries() {
		if e.Msg == msg {
			return e, true
		}
	}
	return LogEntry{}, false
}

// HasMessage reports whether any entry has msg.
func (m *MockLogger) HasMessage(msg string) bool {
	_, ok := m.Find(msg)
	return ok
}

// =============================================================================
// MOCK CHECKPOINTER
// =============================================================================

// MockCheckpointer wraps a MemoryCheckpointer with fault injection.
type MockCheckpointer struct {
	*checkpoint.MemoryCheckpointer

	// SaveError causes Save to fail.
	SaveError error
	// LoadError causes Load to fail.
	LoadError error

	mu        sync.Mutex
	saveCalls int
}

// NewMockCheckpointer creates an empty MockCheckpointer.
func NewMockCheckpointer() *MockCheckpointer {
	return &MockCheckpointer{MemoryCheckpointer: checkpoint.NewMemoryCheckpointer()}
}

// WithSaveError configures save to fail.
func (m *MockCheckpointer) WithSaveError(err error) *MockCheckpointer {
	m.SaveError = err
	return m
}

// WithLoadError configures load to fail.
func (m *MockCheckpointer) WithLoadError(err error) *MockCheckpointer {
	m.LoadError = err
	return m
}

// Save implements checkpoint.Checkpointer.
func (m *MockCheckpointer) Save(ctx context.Context, rec checkpoint.Record) error {
	m.mu.Lock()
	m.saveCalls++
	saveErr := m.SaveError
	m.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}
	return m.MemoryCheckpointer.Save(ctx, rec)
}

// Load implements checkpoint.Checkpointer.
func (m *MockCheckpointer) Load(ctx context.Context, sessionID string) (*checkpoint.Record, error) {
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	return m.MemoryCheckpointer.Load(ctx, sessionID)
}

// GetSaveCount returns the number of Save calls (thread-safe).
func (m *MockCheckpointer) GetSaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// =============================================================================
// MOCK PROVIDERS
// =============================================================================

type callCounter struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (c *callCounter) begin(ctx context.Context) error {
	c.mu.Lock()
	c.calls++
	delay, err := c.delay, c.err
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// GetCallCount returns the number of calls (thread-safe).
func (c *callCounter) GetCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// MockTriage implements providers.TriageAnalyzer with a fixed result.
type MockTriage struct {
	callCounter
	Result *casestate.TriageResult
}

// NewMockTriage returns a mock reporting the given priority.
func NewMockTriage(priority string) *MockTriage {
	return &MockTriage{Result: &casestate.TriageResult{
		Priority:       priority,
		Confidence:     0.85,
		MaxWaitMinutes: 30,
		ESILevel:       2,
	}}
}

// WithError configures Analyze to fail.
func (m *MockTriage) WithError(err error) *MockTriage { m.err = err; return m }

// WithDelay adds latency simulation.
func (m *MockTriage) WithDelay(d time.Duration) *MockTriage { m.delay = d; return m }

// WithRedFlags sets the result red flags.
func (m *MockTriage) WithRedFlags(flags ...string) *MockTriage {
	m.Result.RedFlags = flags
	return m
}

// Analyze implements providers.TriageAnalyzer.
func (m *MockTriage) Analyze(ctx context.Context, _ map[string]any) (*casestate.TriageResult, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	if m.Result == nil {
		return nil, nil
	}
	r := *m.Result
	r.RedFlags = append([]string(nil), m.Result.RedFlags...)
	return &r, nil
}

// MockImaging implements providers.ImagingAnalyzer with a fixed result.
type MockImaging struct {
	callCounter
	Result *casestate.ImagingResult
}

// NewMockImaging returns a mock with no findings.
func NewMockImaging() *MockImaging {
	return &MockImaging{Result: &casestate.ImagingResult{Confidence: 0.8, UrgencyLevel: "routine"}}
}

// WithCriticalFinding adds a critical finding to the result.
func (m *MockImaging) WithCriticalFinding(kind string, confidence float64) *MockImaging {
	m.Result.CriticalFindings = append(m.Result.CriticalFindings, casestate.Finding{
		Type:        kind,
		Description: kind + " detected",
		Severity:    "critical",
		Confidence:  confidence,
	})
	m.Result.UrgencyLevel = "critical"
	return m
}

// WithError configures Analyze to fail.
func (m *MockImaging) WithError(err error) *MockImaging { m.err = err; return m }

// WithDelay adds latency simulation.
func (m *MockImaging) WithDelay(d time.Duration) *MockImaging { m.delay = d; return m }

// Analyze implements providers.ImagingAnalyzer.
func (m *MockImaging) Analyze(ctx context.Context, _ map[string]any) (*casestate.ImagingResult, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	r := *m.Result
	r.CriticalFindings = append([]casestate.Finding(nil), m.Result.CriticalFindings...)
	r.SignificantFindings = append([]casestate.Finding(nil), m.Result.SignificantFindings...)
	return &r, nil
}

// MockRecommendations implements providers.RecommendationGenerator.
type MockRecommendations struct {
	callCounter
	Result []casestate.Recommendation
}

// NewMockRecommendations returns a mock producing one recommendation.
func NewMockRecommendations() *MockRecommendations {
	return &MockRecommendations{Result: []casestate.Recommendation{{
		Recommendation: "Physician evaluation",
		Priority:       2,
		Confidence:     0.8,
		Timeframe:      "within 30 minutes",
	}}}
}

// WithError configures Generate to fail.
func (m *MockRecommendations) WithError(err error) *MockRecommendations { m.err = err; return m }

// Generate implements providers.RecommendationGenerator.
func (m *MockRecommendations) Generate(ctx context.Context, _ map[string]any, _ *casestate.TriageResult, _ *casestate.ImagingResult) ([]casestate.Recommendation, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	return append([]casestate.Recommendation(nil), m.Result...), nil
}

// MockOptimizer implements providers.ResourceOptimizer.
type MockOptimizer struct {
	callCounter
	Plan map[string]any
}

// NewMockOptimizer returns a mock producing a standard plan.
func NewMockOptimizer() *MockOptimizer {
	return &MockOptimizer{Plan: map[string]any{"strategy": "standard"}}
}

// WithError configures Optimize to fail.
func (m *MockOptimizer) WithError(err error) *MockOptimizer { m.err = err; return m }

// Optimize implements providers.ResourceOptimizer.
func (m *MockOptimizer) Optimize(ctx context.Context, _, _, _ map[string]any) (map[string]any, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(m.Plan))
	for k, v := range m.Plan {
		out[k] = v
	}
	return out, nil
}

// MockProviders bundles the mock providers; Set returns them as a
// providers.Set.
type MockProviders struct {
	Triage          *MockTriage
	Imaging         *MockImaging
	Recommendations *MockRecommendations
	Resources       *MockOptimizer
}

// NewMockProviders returns mocks triaging every case at priority.
func NewMockProviders(priority string) *MockProviders {
	return &MockProviders{
		Triage:          NewMockTriage(priority),
		Imaging:         NewMockImaging(),
		Recommendations: NewMockRecommendations(),
		Resources:       NewMockOptimizer(),
	}
}

// Set returns the mocks as a providers.Set.
func (m *MockProviders) Set() providers.Set {
	return providers.Set{
		Triage:          m.Triage,
		Imaging:         m.Imaging,
		Recommendations: m.Recommendations,
		Resources:       m.Resources,
	}
}

// =============================================================================
// CASE DATA HELPERS
// =============================================================================

// NewCaseData returns a complete case payload.
func NewCaseData(patientID, complaint string) map[string]any {
	return map[string]any{
		"patient_id":      patientID,
		"chief_complaint": complaint,
		"vital_signs": map[string]any{
			"heart_rate":        92,
			"systolic_bp":       128,
			"oxygen_saturation": 97,
		},
	}
}

// NewMassCasualtyCaseData returns a mass-casualty incident payload.
func NewMassCasualtyCaseData(casualties int, incidentType string) map[string]any {
	data := NewCaseData("MCI-001", "trauma")
	data["priority"] = "critical"
	data["incident_type"] = "mass_casualty"
	data["incident_data"] = map[string]any{
		"estimated_casualties": casualties,
		"type":                 incidentType,
		"location":             "Interstate 5, mile 120",
	}
	return data
}
