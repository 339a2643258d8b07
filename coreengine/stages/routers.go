package stages

import (
	"strings"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/runtime"
	"github.com/jeeves-cluster-organization/eraif/coreengine/typeutil"
)

// Router names used by workflow specs.
const (
	TriageRouterName          = "triage_router"
	IncidentMonitorRouterName = "incident_monitor_router"
)

// Triage router labels.
const (
	LabelCritical   runtime.Label = "critical"
	LabelUrgent     runtime.Label = "urgent"
	LabelRoutine    runtime.Label = "routine"
	LabelMonitoring runtime.Label = "monitoring"
)

// Incident monitor labels.
const (
	LabelContinue runtime.Label = "continue"
	LabelResolve  runtime.Label = "resolve"
	LabelEscalate runtime.Label = "escalate"
)

// ClassifyPriority maps a free-form triage priority onto a triage router
// label. Matching is case-insensitive.
func ClassifyPriority(priority string) runtime.Label {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "critical", "life_threatening", "immediate":
		return LabelCritical
	case "urgent", "high":
		return LabelUrgent
	case "routine", "normal", "less_urgent", "non_urgent", "low":
		return LabelRoutine
	default:
		return LabelMonitoring
	}
}

// TriageRouter branches on the triage priority. A missing triage result
// routes to monitoring.
type TriageRouter struct{}

// Route implements runtime.Router.
func (TriageRouter) Route(st *casestate.CaseState) runtime.Label {
	if st == nil || st.TriageResult == nil {
		return LabelMonitoring
	}
	return ClassifyPriority(st.TriageResult.Priority)
}

// Labels implements runtime.Router.
func (TriageRouter) Labels() []runtime.Label {
	return []runtime.Label{LabelCritical, LabelUrgent, LabelRoutine, LabelMonitoring}
}

// IncidentMonitorRouter drives the mass-casualty monitoring loop.
//
// It escalates once when case_data.escalation_requested is set or the
// monitor reports "escalating", resolves when the monitor reports
// "winding_down", and otherwise continues.
type IncidentMonitorRouter struct{}

// Route implements runtime.Router.
func (IncidentMonitorRouter) Route(st *casestate.CaseState) runtime.Label {
	if st == nil {
		return LabelContinue
	}
	status := typeutil.Fields(st.Metadata).String("monitoring.status", MonitorOngoing)
	requested := typeutil.Fields(st.CaseData).Bool("escalation_requested", false) || status == MonitorEscalating
	if requested && st.CountSteps(ResourceMobilization) < 2 {
		return LabelEscalate
	}
	if status == MonitorWindingDown {
		return LabelResolve
	}
	return LabelContinue
}

// Labels implements runtime.Router.
func (IncidentMonitorRouter) Labels() []runtime.Label {
	return []runtime.Label{LabelContinue, LabelResolve, LabelEscalate}
}

// Routers returns every router keyed by the name workflow specs use.
func Routers() map[string]runtime.Router {
	return map[string]runtime.Router{
		TriageRouterName:          TriageRouter{},
		IncidentMonitorRouterName: IncidentMonitorRouter{},
	}
}
