// Package stages provides the stage handlers and routers the named
// workflows are assembled from.
//
// Every handler appends exactly one timeline event when it succeeds.
// Provider failures are returned as errors; the runner marks the state.
package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/providers"
	"github.com/jeeves-cluster-organization/eraif/coreengine/runtime"
	"github.com/jeeves-cluster-organization/eraif/coreengine/typeutil"
)

// Clinical pipeline stage names.
const (
	Intake                = "intake"
	Triage                = "triage"
	ImagingAnalysis       = "imaging_analysis"
	ClinicalDecision      = "clinical_decision"
	ResourceOptimization  = "resource_optimization"
	EmergencyCoordination = "emergency_coordination"
	Monitoring            = "monitoring"
)

// Handlers binds the stage functions to one provider set.
type Handlers struct {
	providers providers.Set
	logger    logging.Logger
}

// New creates Handlers. Every provider capability is required.
func New(p providers.Set, logger logging.Logger) (*Handlers, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{providers: p, logger: logger.Bind("component", "stages")}, nil
}

// All returns every stage handler keyed by node name.
func (h *Handlers) All() map[string]runtime.Handler {
	out := map[string]runtime.Handler{
		Intake:                h.Intake,
		Triage:                h.Triage,
		ImagingAnalysis:       h.ImagingAnalysis,
		ClinicalDecision:      h.ClinicalDecision,
		ResourceOptimization:  h.ResourceOptimization,
		EmergencyCoordination: h.EmergencyCoordination,
		Monitoring:            h.Monitoring,
		IncidentAssessment:    h.IncidentAssessment,
		ResourceMobilization:  h.ResourceMobilization,
		TriageCoordination:    h.TriageCoordination,
		PatientDistribution:   h.PatientDistribution,
		OngoingMonitoring:     h.OngoingMonitoring,
		IncidentResolution:    h.IncidentResolution,
		DestinationSelection:  h.DestinationSelection,
		SurgeDetection:        h.SurgeDetection,
	}
	for _, s := range coordinationStages {
		if _, ok := out[s.name]; !ok {
			out[s.name] = s.handler()
		}
	}
	return out
}

// =============================================================================
// CLINICAL PIPELINE
// =============================================================================

var (
	highPriorityTerms   = []string{"cardiac", "stroke", "trauma", "respiratory"}
	mediumPriorityTerms = []string{"pain", "fever", "nausea"}
	qualityFields       = []string{"patient_id", "chief_complaint", "vital_signs"}
)

// Intake scores and normalizes the incoming case data.
func (h *Handlers) Intake(_ context.Context, st *casestate.CaseState) error {
	data := typeutil.Fields(st.CaseData)

	var missing []string
	present := 0
	for _, f := range qualityFields {
		if hasValue(data, f) {
			present++
		} else {
			missing = append(missing, f)
		}
	}
	quality := math.Round(float64(present)/float64(len(qualityFields))*10000) / 100

	complaint := strings.ToLower(strings.TrimSpace(data.String("chief_complaint", "")))
	if complaint != "" {
		st.CaseData["chief_complaint"] = complaint
	}
	if p, ok := st.CaseData["priority"].(string); ok {
		st.CaseData["priority"] = strings.ToLower(strings.TrimSpace(p))
	}

	priority := processingPriority(complaint)
	intake := map[string]any{
		"intake_timestamp":    st.Now().Format(time.RFC3339Nano),
		"data_quality":        quality,
		"processing_priority": priority,
	}
	if len(missing) > 0 {
		intake["missing_fields"] = missing
	}
	if err := st.SetMetadata("intake", intake); err != nil {
		return err
	}

	h.logger.Debug("intake_processed",
		"session_id", st.SessionID,
		"data_quality", quality,
		"processing_priority", priority,
	)
	return st.AddTimelineEvent(Intake, "intake_completed", "Emergency data intake completed", map[string]any{
		"data_quality":        quality,
		"processing_priority": priority,
	})
}

func hasValue(data typeutil.Fields, key string) bool {
	v, ok := data.Lookup(key)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) != ""
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

func processingPriority(complaint string) string {
	switch {
	case containsAny(complaint, highPriorityTerms):
		return "high"
	case containsAny(complaint, mediumPriorityTerms):
		return "medium"
	default:
		return "low"
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// Triage classifies the case through the triage provider. A result already
// on the state, from triage run ahead of workflow selection, is kept.
func (h *Handlers) Triage(ctx context.Context, st *casestate.CaseState) error {
	result := st.TriageResult
	if result == nil {
		var err error
		result, err = h.providers.Triage.Analyze(ctx, st.CaseData)
		if err != nil {
			return fmt.Errorf("triage analysis: %w", err)
		}
		if result == nil {
			return errors.New("triage analysis returned no result")
		}
		if err := st.SetTriageResult(result); err != nil {
			return err
		}
	}

	h.logger.Info("triage_completed",
		"session_id", st.SessionID,
		"priority", result.Priority,
		"confidence", result.Confidence,
		"red_flags", len(result.RedFlags),
	)
	return st.AddTimelineEvent(Triage, "triage_completed",
		fmt.Sprintf("Triage completed: priority %s (confidence %.2f)", result.Priority, result.Confidence),
		map[string]any{"priority": result.Priority, "confidence": result.Confidence},
	)
}

// ImagingAnalysis reads case_data.imaging_study. Cases without a study are
// analysed as an empty study tagged with the case id.
func (h *Handlers) ImagingAnalysis(ctx context.Context, st *casestate.CaseState) error {
	study := typeutil.Fields(st.CaseData).Map("imaging_study")
	if study == nil {
		study = map[string]any{"case_id": st.SessionID}
	}

	result, err := h.providers.Imaging.Analyze(ctx, study)
	if err != nil {
		return fmt.Errorf("imaging analysis: %w", err)
	}
	if result == nil {
		return errors.New("imaging analysis returned no result")
	}
	if err := st.SetImagingResult(result); err != nil {
		return err
	}
	if st.Policy.CompressionEnabled {
		if err := st.SetMetadata("imaging_compression", "enabled"); err != nil {
			return err
		}
	}

	if len(result.CriticalFindings) > 0 {
		h.logger.Warn("critical_imaging_findings",
			"session_id", st.SessionID,
			"count", len(result.CriticalFindings),
			"urgency", result.UrgencyLevel,
		)
	}
	return st.AddTimelineEvent(ImagingAnalysis, "imaging_analyzed",
		fmt.Sprintf("Imaging analysis completed: %d critical findings", len(result.CriticalFindings)),
		map[string]any{
			"critical_findings":    len(result.CriticalFindings),
			"significant_findings": len(result.SignificantFindings),
			"urgency_level":        result.UrgencyLevel,
		},
	)
}

// ClinicalDecision generates recommendations. Priorities are clamped to
// the 1..5 range.
func (h *Handlers) ClinicalDecision(ctx context.Context, st *casestate.CaseState) error {
	recs, err := h.providers.Recommendations.Generate(ctx, st.CaseData, st.TriageResult, st.ImagingResult)
	if err != nil {
		return fmt.Errorf("clinical decision: %w", err)
	}
	for i := range recs {
		recs[i].Priority = min(max(recs[i].Priority, 1), 5)
	}
	if err := st.AddRecommendations(recs...); err != nil {
		return err
	}
	return st.AddTimelineEvent(ClinicalDecision, "recommendations_generated",
		fmt.Sprintf("Generated %d clinical recommendations", len(recs)),
		map[string]any{"count": len(recs)},
	)
}

// ResourceOptimization builds the allocation plan from triage demand, the
// reported facility capacity and the session policy.
func (h *Handlers) ResourceOptimization(ctx context.Context, st *casestate.CaseState) error {
	demand := map[string]any{"priority": "", "recommendations": len(st.Recommendations)}
	if st.TriageResult != nil {
		demand["priority"] = st.TriageResult.Priority
	}
	if st.ImagingResult != nil {
		demand["critical_findings"] = len(st.ImagingResult.CriticalFindings)
	}
	capacity := typeutil.Fields(st.CaseData).Map("facility_capacity")
	if capacity == nil {
		capacity = map[string]any{}
	}

	plan, err := h.providers.Resources.Optimize(ctx, demand, capacity, st.Policy.ToMap())
	if err != nil {
		return fmt.Errorf("resource optimization: %w", err)
	}
	if err := st.SetMetadata("resource_optimization", plan); err != nil {
		return err
	}
	return st.AddTimelineEvent(ResourceOptimization, "resources_optimized", "Resource optimization completed",
		map[string]any{"strategy": plan["strategy"]},
	)
}

// EmergencyCoordination records the coordination plan and completes the
// case.
func (h *Handlers) EmergencyCoordination(_ context.Context, st *casestate.CaseState) error {
	priority := ""
	if st.TriageResult != nil {
		priority = strings.ToLower(st.TriageResult.Priority)
	}

	var notify []string
	switch ClassifyPriority(priority) {
	case LabelCritical:
		notify = []string{"trauma_team", "attending_physician", "radiology"}
	case LabelUrgent:
		notify = []string{"attending_physician", "radiology"}
	default:
		notify = []string{"charge_nurse"}
	}
	if st.ImagingResult != nil && len(st.ImagingResult.CriticalFindings) > 0 {
		notify = append(notify, "specialist_on_call")
	}

	optimization := typeutil.Fields(st.Metadata)
	transfer := typeutil.Fields(st.CaseData).Bool("requires_transfer", false) ||
		optimization.Bool("resource_optimization.overflow_required", false)

	actions := make([]string, 0, len(st.Recommendations))
	for _, r := range st.Recommendations {
		actions = append(actions, r.Recommendation)
	}

	plan := map[string]any{
		"notifications":     notify,
		"transfer_required": transfer,
		"action_items":      actions,
		"strategy":          optimization.String("resource_optimization.strategy", "standard"),
	}
	if err := st.SetMetadata("coordination_plan", plan); err != nil {
		return err
	}
	if err := st.AddTimelineEvent(EmergencyCoordination, "coordination_planned",
		"Emergency coordination plan generated and distributed",
		map[string]any{"notifications": len(notify), "transfer_required": transfer},
	); err != nil {
		return err
	}
	return st.Transition(casestate.StatusCompleted)
}

// Monitoring puts the case under periodic observation.
func (h *Handlers) Monitoring(_ context.Context, st *casestate.CaseState) error {
	cfg := map[string]any{
		"check_interval_minutes": MonitorIntervalMinutes,
		"escalation_triggers":    []string{"vital_sign_changes", "symptom_progression"},
		"alert_threshold":        0.8,
	}
	if err := st.SetMetadata("monitoring_config", cfg); err != nil {
		return err
	}
	if err := st.AddTimelineEvent(Monitoring, "monitoring_activated",
		"Continuous monitoring activated", nil); err != nil {
		return err
	}
	return st.Transition(casestate.StatusMonitoring)
}
