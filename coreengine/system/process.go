package system

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/eraif/commbus"
	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/config"
	"github.com/jeeves-cluster-organization/eraif/coreengine/kernel"
	"github.com/jeeves-cluster-organization/eraif/coreengine/observability"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
	"github.com/jeeves-cluster-organization/eraif/coreengine/runtime"
	"github.com/jeeves-cluster-organization/eraif/coreengine/typeutil"
)

// Case summary statuses.
const (
	CaseCompleted  = "completed"
	CaseMonitoring = "monitoring"
	CaseError      = "error"
)

// Critical finding sources.
const (
	SourceImaging = "imaging_analysis"
	SourceTriage  = "triage_analysis"
)

// DefaultPriority is the requested priority when neither the caller nor
// the case data gives one.
const DefaultPriority = "medium"

// CaseSummary is the outcome of one case.
type CaseSummary struct {
	SessionID        string                      `json:"session_id"`
	Workflow         string                      `json:"workflow"`
	Priority         string                      `json:"priority"`
	Status           string                      `json:"status"`
	TriageResult     *casestate.TriageResult     `json:"triage_result,omitempty"`
	ImagingResult    *casestate.ImagingResult    `json:"imaging_result,omitempty"`
	Recommendations  []casestate.Recommendation  `json:"recommendations"`
	CriticalFindings []casestate.CriticalFinding `json:"critical_findings"`
	Timeline         []casestate.TimelineEntry   `json:"timeline"`
	Error            string                      `json:"error,omitempty"`
	ErrorStage       string                      `json:"error_stage,omitempty"`
	DurationMS       int                         `json:"duration_ms"`
}

// CaseOption configures a single ProcessCase call.
type CaseOption func(*caseOptions)

type caseOptions struct {
	priority  string
	sessionID string
}

// WithPriority sets the requested case priority.
func WithPriority(p string) CaseOption {
	return func(o *caseOptions) { o.priority = p }
}

// WithSessionID runs the case under a caller-chosen session id.
func WithSessionID(id string) CaseOption {
	return func(o *caseOptions) { o.sessionID = id }
}

// =============================================================================
// Workflow Selection
// =============================================================================

// WorkflowInputs are the facts workflow selection depends on. Priority is
// the triage priority, empty when triage has not produced one.
type WorkflowInputs struct {
	IncidentType           string
	Mode                   kernel.Mode
	Priority               string
	ConcurrentSamePriority int
	TransferRequested      bool
	OccupancyPercent       float64
}

// SelectWorkflow picks the named workflow for a case. The first matching
// rule wins:
//  1. a mass-casualty incident
//  2. any emergency mode (RECOVERY counts as NORMAL)
//  3. critical/high triage priority above the concurrent threshold
//  4. a requested transfer
//  5. occupancy above the surge threshold
//  6. resource_optimization otherwise
func SelectWorkflow(in WorkflowInputs, routing config.RoutingConfig) string {
	switch {
	case in.IncidentType == WorkflowMassCasualty:
		return WorkflowMassCasualty
	case inEmergency(in.Mode):
		return WorkflowDisasterResponse
	case in.Priority != "" && policy.ParsePriority(in.Priority).AtLeast(policy.PriorityHigh) &&
		in.ConcurrentSamePriority > routing.ConcurrentPriorityThreshold:
		return WorkflowResourceOptimization
	case in.TransferRequested:
		return WorkflowPatientTransfer
	case in.OccupancyPercent > routing.SurgeOccupancyThreshold:
		return WorkflowSurgeCapacity
	default:
		return WorkflowResourceOptimization
	}
}

func inEmergency(mode kernel.Mode) bool {
	return mode != "" && mode != kernel.ModeNormal && mode != kernel.ModeRecovery
}

// workflowInputs gathers selection inputs from the case data, the triage
// result and live session counts. Live counts are keyed by the requested
// priority, the one sessions are registered under.
func (s *System) workflowInputs(caseData map[string]any, mode kernel.Mode, requested string, triage *casestate.TriageResult) WorkflowInputs {
	data := typeutil.Fields(caseData)
	concurrent := s.kernel.Sessions().CountActive(requested)
	if data.Has("concurrent_priority_cases") {
		concurrent = data.Int("concurrent_priority_cases", concurrent)
	}
	var triagePriority string
	if triage != nil {
		triagePriority = strings.ToLower(strings.TrimSpace(triage.Priority))
	}
	return WorkflowInputs{
		IncidentType:           data.String("incident_type", ""),
		Mode:                   mode,
		Priority:               triagePriority,
		ConcurrentSamePriority: concurrent,
		TransferRequested:      data.Bool("requires_transfer", false),
		OccupancyPercent:       data.Float("facility_capacity.occupancy_percent", 0),
	}
}

// =============================================================================
// Case Processing
// =============================================================================

// ProcessCase runs one case through its selected workflow. The returned
// summary is never nil; when err is non-nil its Status is "error".
func (s *System) ProcessCase(ctx context.Context, caseData map[string]any, opts ...CaseOption) (*CaseSummary, error) {
	o := caseOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	priority := o.priority
	if priority == "" {
		priority = typeutil.Fields(caseData).String("priority", DefaultPriority)
	}
	priority = strings.ToLower(strings.TrimSpace(priority))
	id := o.sessionID
	if id == "" {
		id = s.newID()
	}

	mode := s.kernel.Mode().Snapshot()
	p := mode.Policy
	triage := s.selectionTriage(ctx, id, caseData, mode.Mode)
	workflow := SelectWorkflow(s.workflowInputs(caseData, mode.Mode, priority, triage), s.cfg.Routing)

	summary := &CaseSummary{
		SessionID:        id,
		Workflow:         workflow,
		Priority:         priority,
		Status:           CaseError,
		Recommendations:  []casestate.Recommendation{},
		CriticalFindings: []casestate.CriticalFinding{},
		Timeline:         []casestate.TimelineEntry{},
	}

	if _, err := s.kernel.StartSession(id, workflow, priority, p); err != nil {
		summary.Error = err.Error()
		s.logger.Warn("case_rejected", "session_id", id, "error", err.Error())
		return summary, fmt.Errorf("start session: %w", err)
	}

	log := s.logger.Bind("session_id", id, "workflow", workflow)
	log.Info("case_processing_started",
		"priority", priority,
		"mode", string(mode.Mode),
	)
	_ = s.bus.Publish(ctx, &commbus.CaseStarted{
		SessionID: id,
		Workflow:  workflow,
		Priority:  priority,
		Mode:      string(mode.Mode),
		Timestamp: s.clock.Now(),
	})

	start := time.Now()
	st := casestate.New(id, caseData,
		casestate.WithPolicy(p),
		casestate.WithWorkflow(workflow),
		casestate.WithClock(s.clock),
	)
	if triage != nil {
		_ = st.SetTriageResult(triage)
	}
	final, runErr := s.workflows[workflow].Invoke(ctx, st, id)
	summary.DurationMS = int(time.Since(start).Milliseconds())
	fillSummary(summary, final, runErr)

	s.raiseAlerts(id, summary.CriticalFindings, p)

	if err := s.kernel.FinishSession(id, sessionState(final.Status, runErr)); err != nil {
		log.Warn("session_finish_failed", "error", err.Error())
	}
	s.storeCase(summary)

	completed := &commbus.CaseCompleted{
		SessionID:  id,
		Workflow:   workflow,
		Status:     summary.Status,
		DurationMS: summary.DurationMS,
	}
	if summary.Error != "" {
		msg := summary.Error
		completed.Error = &msg
	}
	_ = s.bus.Publish(context.WithoutCancel(ctx), completed)

	if runErr != nil {
		log.Error("case_processing_failed",
			"stage", summary.ErrorStage,
			"error", runErr.Error(),
			"duration_ms", summary.DurationMS,
		)
		return summary, runErr
	}
	log.Info("case_processing_completed",
		"status", summary.Status,
		"critical_findings", len(summary.CriticalFindings),
		"duration_ms", summary.DurationMS,
	)
	return summary, nil
}

// selectionTriage runs triage ahead of workflow selection when the
// priority rule can decide the workflow, that is outside mass-casualty
// incidents and emergency modes. The result seeds the case so the triage
// stage does not analyze twice. A failed analysis returns nil; the triage
// stage then reports the failure.
func (s *System) selectionTriage(ctx context.Context, id string, caseData map[string]any, mode kernel.Mode) *casestate.TriageResult {
	if inEmergency(mode) || typeutil.Fields(caseData).String("incident_type", "") == WorkflowMassCasualty {
		return nil
	}
	result, err := s.triage.Analyze(ctx, caseData)
	if err != nil {
		s.logger.Warn("selection_triage_failed", "session_id", id, "error", err.Error())
		return nil
	}
	return result
}

func fillSummary(summary *CaseSummary, st *casestate.CaseState, runErr error) {
	summary.TriageResult = st.TriageResult
	summary.ImagingResult = st.ImagingResult
	summary.Recommendations = append(summary.Recommendations, st.Recommendations...)
	summary.Timeline = append(summary.Timeline, st.Timeline...)
	summary.CriticalFindings = append(summary.CriticalFindings, ExtractCriticalFindings(st)...)

	switch {
	case runErr != nil || st.Status == casestate.StatusError:
		summary.Status = CaseError
		summary.ErrorStage = st.FailedStage
		summary.Error = st.ErrorMessage
		if runErr != nil {
			summary.Error = runErr.Error()
		}
	case st.Status == casestate.StatusMonitoring:
		summary.Status = CaseMonitoring
	default:
		summary.Status = CaseCompleted
	}
}

func sessionState(status casestate.WorkflowStatus, runErr error) kernel.SessionState {
	switch {
	case runErr != nil || status == casestate.StatusError:
		return kernel.SessionError
	case status == casestate.StatusMonitoring:
		return kernel.SessionMonitoring
	default:
		return kernel.SessionCompleted
	}
}

// =============================================================================
// Critical Findings
// =============================================================================

// ExtractCriticalFindings collects the imaging critical findings and the
// triage red flags of a case.
func ExtractCriticalFindings(st *casestate.CaseState) []casestate.CriticalFinding {
	var out []casestate.CriticalFinding
	if st.ImagingResult != nil {
		for _, f := range st.ImagingResult.CriticalFindings {
			severity := f.Severity
			if severity == "" {
				severity = "unknown"
			}
			out = append(out, casestate.CriticalFinding{
				Source:      SourceImaging,
				Type:        f.Type,
				Description: f.Description,
				Severity:    severity,
				Confidence:  f.Confidence,
			})
		}
	}
	if st.TriageResult != nil {
		for _, flag := range st.TriageResult.RedFlags {
			out = append(out, casestate.CriticalFinding{
				Source:      SourceTriage,
				Type:        "red_flag",
				Description: flag,
				Severity:    "high",
				Confidence:  st.TriageResult.Confidence,
			})
		}
	}
	return out
}

// raiseAlerts publishes one CriticalFindingAlert per finding at or above
// the session confidence threshold. Publishing never blocks the case.
func (s *System) raiseAlerts(sessionID string, findings []casestate.CriticalFinding, p policy.Policy) {
	for _, f := range findings {
		if f.Confidence < p.ConfidenceThreshold {
			continue
		}
		s.alertsGenerated.Add(1)
		observability.RecordAlert(f.Source, f.Severity)

		alert := &commbus.CriticalFindingAlert{
			SessionID:   sessionID,
			Source:      f.Source,
			Type:        f.Type,
			Description: f.Description,
			Severity:    f.Severity,
			Confidence:  f.Confidence,
			Threshold:   p.ConfidenceThreshold,
			Timestamp:   s.clock.Now(),
		}
		s.logger.Warn("critical_finding_alert",
			"session_id", sessionID,
			"source", f.Source,
			"type", f.Type,
			"confidence", f.Confidence,
		)

		s.alertsInFlight.Add(1)
		kernel.SafeGo(s.logger, "critical_alert_publish", func() {
			defer s.alertsInFlight.Done()
			if err := s.bus.Publish(context.Background(), alert); err != nil {
				s.logger.Warn("critical_alert_publish_failed", "session_id", sessionID, "error", err.Error())
			}
		}, nil)
	}
}

// =============================================================================
// Batch Processing
// =============================================================================

// CaseRequest is one case of a batch.
type CaseRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	CaseData  map[string]any `json:"case_data"`
}

// CaseResult pairs a batch case with its outcome.
type CaseResult struct {
	Summary *CaseSummary `json:"summary"`
	Err     error        `json:"-"`
}

// ProcessBatch runs many cases concurrently under the current policy's
// batch size and priority threshold. Results are in request order.
func (s *System) ProcessBatch(ctx context.Context, requests []CaseRequest) []CaseResult {
	results := make([]CaseResult, len(requests))
	items := make([]runtime.BatchItem, len(requests))
	for i, req := range requests {
		priority := req.Priority
		if priority == "" {
			priority = typeutil.Fields(req.CaseData).String("priority", DefaultPriority)
		}
		id := req.SessionID
		if id == "" {
			id = s.newID()
		}
		items[i] = runtime.BatchItem{
			ID:       id,
			Priority: policy.ParsePriority(priority),
			Run: func(ctx context.Context) error {
				summary, err := s.ProcessCase(ctx, req.CaseData, WithPriority(priority), WithSessionID(id))
				results[i].Summary = summary
				return err
			},
		}
	}

	errs := runtime.NewBatchRunner(s.kernel.Mode().Policy(), s.logger).Run(ctx, items)
	for i, err := range errs {
		results[i].Err = err
		if results[i].Summary == nil {
			results[i].Summary = &CaseSummary{
				SessionID: items[i].ID,
				Priority:  requests[i].Priority,
				Status:    CaseError,
			}
			if err != nil {
				results[i].Summary.Error = err.Error()
			}
		}
	}
	return results
}
