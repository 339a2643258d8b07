package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/eraif/commbus"
	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/eraif/coreengine/config"
	"github.com/jeeves-cluster-organization/eraif/coreengine/kernel"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
	"github.com/jeeves-cluster-organization/eraif/coreengine/providers"
	"github.com/jeeves-cluster-organization/eraif/coreengine/runtime"
	"github.com/jeeves-cluster-organization/eraif/coreengine/stages"
	"github.com/jeeves-cluster-organization/eraif/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	sys    *System
	mocks  *testutil.MockProviders
	cp     *checkpoint.MemoryCheckpointer
	logger *testutil.MockLogger
}

func newFixture(t *testing.T, triagePriority string) *fixture {
	t.Helper()
	f := &fixture{
		mocks:  testutil.NewMockProviders(triagePriority),
		cp:     checkpoint.NewMemoryCheckpointer(),
		logger: testutil.NewMockLogger(),
	}
	sys, err := New(nil, Deps{
		Providers:    f.mocks.Set(),
		Checkpointer: f.cp,
		Logger:       f.logger,
	}, WithClock(testutil.NewStepClock()))
	require.NoError(t, err)
	f.sys = sys
	t.Cleanup(func() { _ = sys.Close(context.Background()) })
	return f
}

func errorEntries(summary *CaseSummary) []casestate.TimelineEntry {
	var out []casestate.TimelineEntry
	for _, e := range summary.Timeline {
		if e.Status == casestate.EntryError {
			out = append(out, e)
		}
	}
	return out
}

type alertCollector struct {
	mu     sync.Mutex
	alerts []*commbus.CriticalFindingAlert
}

func collectAlerts(bus commbus.CommBus) *alertCollector {
	c := &alertCollector{}
	bus.Subscribe("CriticalFindingAlert", func(_ context.Context, msg commbus.Message) (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.alerts = append(c.alerts, msg.(*commbus.CriticalFindingAlert))
		return nil, nil
	})
	return c
}

func (c *alertCollector) snapshot() []*commbus.CriticalFindingAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*commbus.CriticalFindingAlert(nil), c.alerts...)
}

// =============================================================================
// CONSTRUCTION TESTS
// =============================================================================

func TestNew_CompilesAllWorkflows(t *testing.T) {
	f := newFixture(t, "urgent")

	infos := f.sys.Workflows()
	require.Len(t, infos, len(WorkflowNames()))
	for i, info := range infos {
		assert.Equal(t, WorkflowNames()[i], info.Name)
		assert.Equal(t, stages.Intake, info.Entry)
		assert.Contains(t, info.Nodes, stages.EmergencyCoordination)
		assert.Contains(t, info.Nodes, stages.Monitoring)
		assert.NotEmpty(t, info.Description)
	}

	mc, ok := f.sys.Workflow(WorkflowMassCasualty)
	require.True(t, ok)
	assert.Equal(t,
		[]string{stages.IncidentResolution, stages.OngoingMonitoring, stages.ResourceMobilization},
		mc.Successors(stages.OngoingMonitoring),
	)

	triageTargets := []string{stages.ClinicalDecision, stages.ImagingAnalysis, stages.Monitoring}
	for _, name := range WorkflowNames() {
		g, _ := f.sys.Workflow(name)
		assert.Equal(t, triageTargets, g.Successors(stages.Triage), name)
		assert.Equal(t, []string{runtime.Terminal}, g.Successors(stages.Monitoring), name)
	}
}

func TestNew_CoordinationChains(t *testing.T) {
	f := newFixture(t, "urgent")

	tests := []struct {
		workflow string
		first    string
		last     string
	}{
		{WorkflowDisasterResponse, stages.DisasterAssessment, stages.RecoveryPlanning},
		{WorkflowResourceOptimization, stages.DemandAnalysis, stages.PerformanceMonitoring},
		{WorkflowPatientTransfer, stages.TransferAssessment, stages.TransferMonitoring},
		{WorkflowSurgeCapacity, stages.SurgeDetection, stages.SurgeMonitoring},
	}

	for _, tt := range tests {
		t.Run(tt.workflow, func(t *testing.T) {
			g, ok := f.sys.Workflow(tt.workflow)
			require.True(t, ok)
			assert.Equal(t, []string{tt.first}, g.Successors(stages.ResourceOptimization))
			assert.Equal(t, []string{stages.EmergencyCoordination}, g.Successors(tt.last))
		})
	}
}

func TestNew_Errors(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := config.DefaultSystemConfig()
		cfg.Policy.BatchSize = 0
		_, err := New(cfg, Deps{Providers: providers.RuleBased()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy.batch_size")
	})

	t.Run("missing provider", func(t *testing.T) {
		_, err := New(nil, Deps{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stage handlers")
	})

	t.Run("bus handler already taken", func(t *testing.T) {
		bus := commbus.NewInMemoryCommBus(time.Second)
		require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(context.Context, commbus.Message) (any, error) {
			return nil, nil
		}))
		_, err := New(nil, Deps{Providers: providers.RuleBased(), Bus: bus})
		require.Error(t, err)
		var dup *commbus.HandlerAlreadyRegisteredError
		assert.ErrorAs(t, err, &dup)
	})
}

func TestWorkflowSpec_Unknown(t *testing.T) {
	assert.Nil(t, WorkflowSpec("triage_only", 0))
}

func TestWorkflowSpec_MaxSteps(t *testing.T) {
	assert.Equal(t, config.DefaultMaxSteps, WorkflowSpec(WorkflowSurgeCapacity, 0).MaxSteps)
	assert.Equal(t, 40, WorkflowSpec(WorkflowSurgeCapacity, 40).MaxSteps)
	require.NoError(t, WorkflowSpec(WorkflowMassCasualty, 0).Validate())
}

// =============================================================================
// WORKFLOW SELECTION TESTS
// =============================================================================

func TestSelectWorkflow(t *testing.T) {
	routing := config.DefaultSystemConfig().Routing

	tests := []struct {
		name string
		in   WorkflowInputs
		want string
	}{
		{"mass casualty wins over emergency mode",
			WorkflowInputs{IncidentType: "mass_casualty", Mode: kernel.ModeDisaster, Priority: "critical"},
			WorkflowMassCasualty},
		{"emergency mode",
			WorkflowInputs{Mode: kernel.ModeDegraded, Priority: "low", TransferRequested: true},
			WorkflowDisasterResponse},
		{"concurrent critical above threshold",
			WorkflowInputs{Mode: kernel.ModeNormal, Priority: "critical", ConcurrentSamePriority: 6, TransferRequested: true},
			WorkflowResourceOptimization},
		{"concurrent high at threshold falls through",
			WorkflowInputs{Mode: kernel.ModeNormal, Priority: "HIGH", ConcurrentSamePriority: 5, TransferRequested: true},
			WorkflowPatientTransfer},
		{"immediate triage counts as critical",
			WorkflowInputs{Mode: kernel.ModeNormal, Priority: "immediate", ConcurrentSamePriority: 6, TransferRequested: true},
			WorkflowResourceOptimization},
		{"concurrent without triage priority falls through",
			WorkflowInputs{Mode: kernel.ModeNormal, ConcurrentSamePriority: 50, TransferRequested: true},
			WorkflowPatientTransfer},
		{"recovery is not an emergency",
			WorkflowInputs{Mode: kernel.ModeRecovery, TransferRequested: true},
			WorkflowPatientTransfer},
		{"concurrent medium ignored",
			WorkflowInputs{Mode: kernel.ModeNormal, Priority: "medium", ConcurrentSamePriority: 50, OccupancyPercent: 90},
			WorkflowSurgeCapacity},
		{"transfer before surge",
			WorkflowInputs{Mode: kernel.ModeNormal, TransferRequested: true, OccupancyPercent: 99},
			WorkflowPatientTransfer},
		{"surge above threshold",
			WorkflowInputs{Mode: kernel.ModeNormal, OccupancyPercent: 85.5},
			WorkflowSurgeCapacity},
		{"occupancy at threshold",
			WorkflowInputs{Mode: kernel.ModeNormal, OccupancyPercent: 85},
			WorkflowResourceOptimization},
		{"default", WorkflowInputs{}, WorkflowResourceOptimization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectWorkflow(tt.in, routing))
		})
	}
}

func TestSelectWorkflow_ConfiguredThresholds(t *testing.T) {
	routing := config.RoutingConfig{ConcurrentPriorityThreshold: 1, SurgeOccupancyThreshold: 50}

	assert.Equal(t, WorkflowResourceOptimization, SelectWorkflow(WorkflowInputs{
		Priority: "high", ConcurrentSamePriority: 2, TransferRequested: true,
	}, routing))
	assert.Equal(t, WorkflowSurgeCapacity, SelectWorkflow(WorkflowInputs{OccupancyPercent: 60}, routing))
}

func TestSystem_workflowInputs(t *testing.T) {
	f := newFixture(t, "urgent")

	for i := 0; i < 3; i++ {
		_, err := f.sys.Kernel().StartSession(fmt.Sprintf("live-%d", i), WorkflowResourceOptimization, "critical", policy.Default())
		require.NoError(t, err)
	}

	t.Run("live count", func(t *testing.T) {
		in := f.sys.workflowInputs(map[string]any{
			"requires_transfer": true,
			"facility_capacity": map[string]any{"occupancy_percent": 91.5},
		}, kernel.ModeNormal, "critical", &casestate.TriageResult{Priority: " Critical "})
		assert.Equal(t, 3, in.ConcurrentSamePriority)
		assert.Equal(t, "critical", in.Priority)
		assert.True(t, in.TransferRequested)
		assert.InDelta(t, 91.5, in.OccupancyPercent, 1e-9)
	})

	t.Run("case data count wins", func(t *testing.T) {
		in := f.sys.workflowInputs(map[string]any{"concurrent_priority_cases": 9}, kernel.ModeNormal, "critical", nil)
		assert.Equal(t, 9, in.ConcurrentSamePriority)
		assert.Empty(t, in.Priority)
	})
}

func TestProcessCase_SelectsOnTriagePriority(t *testing.T) {
	busy := func() map[string]any {
		data := testutil.NewCaseData("P-30", "chest pain")
		data["concurrent_priority_cases"] = 10
		data["requires_transfer"] = true
		return data
	}

	tests := []struct {
		name      string
		triage    string
		requested string
		want      string
	}{
		{"critical triage without requested priority", "critical", "", WorkflowResourceOptimization},
		{"high triage", "high", "low", WorkflowResourceOptimization},
		{"routine triage with critical request", "routine", "critical", WorkflowPatientTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.triage)
			var opts []CaseOption
			if tt.requested != "" {
				opts = append(opts, WithPriority(tt.requested))
			}

			summary, err := f.sys.ProcessCase(context.Background(), busy(), opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, summary.Workflow)
			require.NotNil(t, summary.TriageResult)
			assert.Equal(t, tt.triage, summary.TriageResult.Priority)
			assert.Equal(t, 1, f.mocks.Triage.GetCallCount())
		})
	}
}

func TestProcessCase_SelectionTriageFailure(t *testing.T) {
	f := newFixture(t, "critical")
	f.mocks.Triage.WithError(errors.New("triage model unavailable"))

	summary, err := f.sys.ProcessCase(context.Background(), map[string]any{
		"concurrent_priority_cases": 10,
		"requires_transfer":         true,
	})
	require.Error(t, err)
	assert.Equal(t, WorkflowPatientTransfer, summary.Workflow)
	assert.Equal(t, stages.Triage, summary.ErrorStage)
	assert.True(t, f.logger.HasMessage("selection_triage_failed"))
}

func TestProcessCase_EmergencySkipsSelectionTriage(t *testing.T) {
	f := newFixture(t, "critical")
	_, err := f.sys.ActivateEmergency(context.Background(), kernel.ActivateRequest{Reason: "storm", Mode: kernel.ModeDegraded})
	require.NoError(t, err)

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-31", "fall"))
	require.NoError(t, err)
	assert.Equal(t, WorkflowDisasterResponse, summary.Workflow)
	assert.Equal(t, 1, f.mocks.Triage.GetCallCount())
}

// =============================================================================
// CASE PROCESSING TESTS
// =============================================================================

func TestProcessCase_MassCasualty(t *testing.T) {
	f := newFixture(t, "critical")

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewMassCasualtyCaseData(40, "explosion"))
	require.NoError(t, err)

	assert.Equal(t, WorkflowMassCasualty, summary.Workflow)
	assert.Equal(t, "critical", summary.Priority)
	assert.Equal(t, CaseCompleted, summary.Status)
	assert.Empty(t, errorEntries(summary))

	last := summary.Timeline[len(summary.Timeline)-1]
	assert.Equal(t, stages.EmergencyCoordination, last.Step)

	sess, ok := f.sys.Kernel().Sessions().Get(summary.SessionID)
	require.True(t, ok)
	assert.Equal(t, kernel.SessionCompleted, sess.State)
}

func TestProcessCase_UnknownTriageMonitors(t *testing.T) {
	f := newFixture(t, "unknown")

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-100", "headache"))
	require.NoError(t, err)

	assert.Equal(t, CaseMonitoring, summary.Status)
	assert.Nil(t, summary.ImagingResult)
	var steps []string
	for _, e := range summary.Timeline {
		steps = append(steps, e.Step)
	}
	assert.Equal(t, []string{stages.Intake, stages.Triage, stages.Monitoring}, steps)
	assert.Equal(t, 0, f.mocks.Imaging.GetCallCount())

	sess, _ := f.sys.Kernel().Sessions().Get(summary.SessionID)
	assert.Equal(t, kernel.SessionMonitoring, sess.State)
}

func TestProcessCase_ImagingFault(t *testing.T) {
	f := newFixture(t, "critical")
	f.mocks.Imaging.WithError(errors.New("pacs unavailable"))

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-200", "trauma"))
	require.Error(t, err)
	require.NotNil(t, summary)

	var stageErr *runtime.StageExecutionError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, stages.ImagingAnalysis, stageErr.Stage)

	assert.Equal(t, CaseError, summary.Status)
	assert.Equal(t, stages.ImagingAnalysis, summary.ErrorStage)
	assert.Contains(t, summary.Error, "pacs unavailable")

	errs := errorEntries(summary)
	require.Len(t, errs, 1)
	assert.Equal(t, stages.ImagingAnalysis, errs[0].Step)

	sess, _ := f.sys.Kernel().Sessions().Get(summary.SessionID)
	assert.Equal(t, kernel.SessionError, sess.State)
	assert.True(t, f.logger.HasMessage("case_processing_failed"))
}

func TestProcessCase_PriorityResolution(t *testing.T) {
	f := newFixture(t, "routine")

	tests := []struct {
		name     string
		data     map[string]any
		opts     []CaseOption
		expected string
	}{
		{"option wins", map[string]any{"priority": "low"}, []CaseOption{WithPriority(" HIGH ")}, "high"},
		{"case data", map[string]any{"priority": "Critical"}, nil, "critical"},
		{"default", map[string]any{}, nil, DefaultPriority},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := f.sys.ProcessCase(context.Background(), tt.data, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, summary.Priority)
		})
	}
}

func TestProcessCase_DuplicateSessionID(t *testing.T) {
	f := newFixture(t, "routine")

	_, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-1", "cough"), WithSessionID("case-1"))
	require.NoError(t, err)

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-1", "cough"), WithSessionID("case-1"))
	require.ErrorIs(t, err, kernel.ErrSessionExists)
	assert.Equal(t, "case-1", summary.SessionID)
	assert.Equal(t, CaseError, summary.Status)
	assert.Contains(t, summary.Error, "already registered")
}

func TestProcessCase_CancelledContext(t *testing.T) {
	f := newFixture(t, "critical")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.sys.ProcessCase(ctx, testutil.NewCaseData("P-3", "stroke"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CaseError, summary.Status)
	assert.Equal(t, stages.Intake, summary.ErrorStage)
}

func TestProcessCase_RoutesByCaseData(t *testing.T) {
	f := newFixture(t, "urgent")

	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"transfer", map[string]any{"requires_transfer": true}, WorkflowPatientTransfer},
		{"surge", map[string]any{"facility_capacity": map[string]any{"occupancy_percent": 95}}, WorkflowSurgeCapacity},
		{"concurrent", map[string]any{"priority": "critical", "concurrent_priority_cases": 6, "requires_transfer": true}, WorkflowResourceOptimization},
		{"default", map[string]any{}, WorkflowResourceOptimization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := f.sys.ProcessCase(context.Background(), tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, summary.Workflow)
			assert.Equal(t, CaseCompleted, summary.Status)
		})
	}
}

func TestProcessCase_PublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t, "urgent")

	var mu sync.Mutex
	var seen []string
	for _, eventType := range []string{"CaseStarted", "CaseCompleted"} {
		f.sys.Bus().Subscribe(eventType, func(_ context.Context, msg commbus.Message) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, commbus.GetMessageType(msg))
			return nil, nil
		})
	}

	_, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-4", "fever"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CaseStarted", "CaseCompleted"}, seen)
}

// =============================================================================
// POLICY CAPTURE TESTS
// =============================================================================

func TestProcessCase_CapturesEmergencyPolicy(t *testing.T) {
	f := newFixture(t, "urgent")

	res, err := f.sys.ActivateEmergency(context.Background(), kernel.ActivateRequest{
		Reason:   "regional flooding",
		Severity: policy.SeverityCritical,
	})
	require.NoError(t, err)

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-5", "trauma"))
	require.NoError(t, err)
	assert.Equal(t, WorkflowDisasterResponse, summary.Workflow)

	sess, _ := f.sys.Kernel().Sessions().Get(summary.SessionID)
	assert.Equal(t, res.Policy, sess.Policy)

	history, err := f.sys.SessionHistory(context.Background(), summary.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, checkpoint.EncodingZstd, history[0].Encoding)

	st, err := checkpoint.Decode(&history[len(history)-1])
	require.NoError(t, err)
	assert.Equal(t, res.Policy, st.Policy)
}

// =============================================================================
// ALERT TESTS
// =============================================================================

func TestExtractCriticalFindings(t *testing.T) {
	st := casestate.New("s1", nil)
	st.ImagingResult = &casestate.ImagingResult{CriticalFindings: []casestate.Finding{
		{Type: "pneumothorax", Description: "large left pneumothorax", Severity: "critical", Confidence: 0.93},
		{Type: "fracture", Description: "rib fracture", Confidence: 0.7},
	}}
	st.TriageResult = &casestate.TriageResult{Priority: "critical", Confidence: 0.81, RedFlags: []string{"hypotension"}}

	got := ExtractCriticalFindings(st)

	want := []casestate.CriticalFinding{
		{Source: SourceImaging, Type: "pneumothorax", Description: "large left pneumothorax", Severity: "critical", Confidence: 0.93},
		{Source: SourceImaging, Type: "fracture", Description: "rib fracture", Severity: "unknown", Confidence: 0.7},
		{Source: SourceTriage, Type: "red_flag", Description: "hypotension", Severity: "high", Confidence: 0.81},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("critical findings mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, ExtractCriticalFindings(casestate.New("s2", nil)))
}

func TestProcessCase_AlertsAboveThreshold(t *testing.T) {
	f := newFixture(t, "critical")
	f.mocks.Imaging.WithCriticalFinding("intracranial_hemorrhage", 0.95).WithCriticalFinding("edema", 0.5)
	f.mocks.Triage.WithRedFlags("altered_mental_status")
	alerts := collectAlerts(f.sys.Bus())

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-6", "stroke"))
	require.NoError(t, err)
	require.Len(t, summary.CriticalFindings, 3)

	// Default threshold 0.9 admits only the hemorrhage.
	assert.Equal(t, int64(1), f.sys.AlertsGenerated())
	assert.Eventually(t, func() bool { return len(alerts.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	got := alerts.snapshot()[0]
	assert.Equal(t, summary.SessionID, got.SessionID)
	assert.Equal(t, SourceImaging, got.Source)
	assert.Equal(t, "intracranial_hemorrhage", got.Type)
	assert.InDelta(t, 0.9, got.Threshold, 1e-9)
}

func TestProcessCase_EmergencyLowersAlertThreshold(t *testing.T) {
	f := newFixture(t, "critical")
	f.mocks.Imaging.WithCriticalFinding("aortic_dissection", 0.7)
	f.mocks.Triage.WithRedFlags("chest_pain")
	alerts := collectAlerts(f.sys.Bus())

	_, err := f.sys.ActivateEmergency(context.Background(), kernel.ActivateRequest{
		Reason: "grid failure", Severity: policy.SeverityCritical,
	})
	require.NoError(t, err)

	_, err = f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-7", "cardiac"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), f.sys.AlertsGenerated())
	assert.Eventually(t, func() bool { return len(alerts.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestProcessCase_AlertSubscriberPanicIsolated(t *testing.T) {
	f := newFixture(t, "critical")
	f.mocks.Imaging.WithCriticalFinding("tension_pneumothorax", 0.99)
	f.sys.Bus().Subscribe("CriticalFindingAlert", func(context.Context, commbus.Message) (any, error) {
		panic("pager offline")
	})

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-8", "trauma"))
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, summary.Status)
	assert.Equal(t, int64(1), f.sys.AlertsGenerated())

	require.NoError(t, f.sys.Close(context.Background()))
	assert.True(t, f.logger.HasMessage("handler_panic_recovered"))
}

// =============================================================================
// BATCH TESTS
// =============================================================================

func TestProcessBatch(t *testing.T) {
	f := newFixture(t, "urgent")

	requests := []CaseRequest{
		{SessionID: "b-low", Priority: "low", CaseData: testutil.NewCaseData("P-10", "rash")},
		{SessionID: "b-crit", Priority: "critical", CaseData: testutil.NewCaseData("P-11", "stroke")},
		{CaseData: map[string]any{"priority": "high", "requires_transfer": true}},
	}

	results := f.sys.ProcessBatch(context.Background(), requests)
	require.Len(t, results, 3)

	assert.Equal(t, "b-low", results[0].Summary.SessionID)
	assert.Equal(t, "b-crit", results[1].Summary.SessionID)
	assert.Equal(t, "high", results[2].Summary.Priority)
	assert.Equal(t, WorkflowPatientTransfer, results[2].Summary.Workflow)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, CaseCompleted, r.Summary.Status)
	}
}

func TestProcessBatch_FailuresStayPerItem(t *testing.T) {
	f := newFixture(t, "critical")
	f.mocks.Imaging.WithError(errors.New("scanner offline"))

	results := f.sys.ProcessBatch(context.Background(), []CaseRequest{
		{SessionID: "ok", CaseData: map[string]any{"priority": "low"}},
	})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, CaseError, results[0].Summary.Status)
	assert.Equal(t, stages.ImagingAnalysis, results[0].Summary.ErrorStage)
}

// =============================================================================
// EMERGENCY MODE TESTS
// =============================================================================

func TestActivateEmergency_Conflict(t *testing.T) {
	f := newFixture(t, "urgent")

	var mu sync.Mutex
	var changes []*commbus.EmergencyModeChanged
	f.sys.Bus().Subscribe("EmergencyModeChanged", func(_ context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, msg.(*commbus.EmergencyModeChanged))
		return nil, nil
	})

	first, err := f.sys.ActivateEmergency(context.Background(), kernel.ActivateRequest{Reason: "flood", Severity: policy.SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, kernel.ActivationActivated, first.Status)

	second, err := f.sys.ActivateEmergency(context.Background(), kernel.ActivateRequest{Reason: "quake", Severity: policy.SeverityHigh})
	require.NoError(t, err)
	assert.Equal(t, kernel.ActivationConflict, second.Status)

	status := f.sys.Status()
	assert.Equal(t, "flood", status.Mode.Reason)
	assert.Equal(t, kernel.ModeDisaster, status.Mode.Mode)
	require.NotNil(t, status.Mode.ActivatedAt)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 1)
	assert.Equal(t, "NORMAL", changes[0].From)
	assert.Equal(t, "DISASTER", changes[0].To)
	assert.Equal(t, first.EmergencyID, changes[0].EmergencyID)
}

func TestActivateEmergency_Rejected(t *testing.T) {
	f := newFixture(t, "urgent")

	res, err := f.sys.ActivateEmergency(context.Background(), kernel.ActivateRequest{Reason: "drill", Mode: kernel.ModeRecovery})
	require.Error(t, err)
	assert.Equal(t, kernel.ActivationRejected, res.Status)
	assert.Equal(t, kernel.ModeNormal, f.sys.Status().Mode.Mode)
}

func TestDeactivateEmergency(t *testing.T) {
	f := newFixture(t, "urgent")

	var mu sync.Mutex
	var transitions []string
	f.sys.Bus().Subscribe("EmergencyModeChanged", func(_ context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		e := msg.(*commbus.EmergencyModeChanged)
		transitions = append(transitions, e.From+"->"+e.To)
		return nil, nil
	})

	_, err := f.sys.ActivateEmergency(context.Background(), kernel.ActivateRequest{Reason: "outage", Severity: policy.SeverityMedium})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData(fmt.Sprintf("P-%d", i), "fever"))
		require.NoError(t, err)
	}

	res := f.sys.DeactivateEmergency(context.Background(), "power restored")
	assert.Equal(t, kernel.DeactivationDeactivated, res.Status)
	assert.Equal(t, kernel.ModeDegraded, res.PreviousMode)
	assert.Equal(t, 2, res.CasesProcessed)

	again := f.sys.DeactivateEmergency(context.Background(), "")
	assert.Equal(t, kernel.DeactivationAlreadyNormal, again.Status)
	assert.Zero(t, again.CasesProcessed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"NORMAL->DEGRADED", "DEGRADED->RECOVERY", "RECOVERY->NORMAL"}, transitions)

	status := f.sys.Status()
	assert.Equal(t, kernel.ModeNormal, status.Mode.Mode)
	assert.Nil(t, status.Mode.ActivatedAt)
	assert.Equal(t, policy.Default(), status.Policy)
}

// =============================================================================
// STATUS AND HEALTH TESTS
// =============================================================================

func TestStatus(t *testing.T) {
	f := newFixture(t, "urgent")

	status := f.sys.Status()
	assert.Equal(t, kernel.ModeNormal, status.Mode.Mode)
	assert.Zero(t, status.ActiveSessions)
	assert.Zero(t, status.AlertsGenerated)
	assert.Equal(t, WorkflowNames(), status.Workflows)

	_, err := f.sys.Kernel().StartSession("open", WorkflowSurgeCapacity, "low", policy.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, f.sys.Status().ActiveSessions)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		mode kernel.Mode
		want commbus.HealthStatus
	}{
		{kernel.ModeDegraded, commbus.HealthStatusDegraded},
		{kernel.ModeMassCasualty, commbus.HealthStatusDegraded},
		{kernel.ModeIsolation, commbus.HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			f := newFixture(t, "urgent")
			assert.Equal(t, commbus.HealthStatusHealthy, f.sys.Health().Status)

			_, err := f.sys.ActivateEmergency(context.Background(), kernel.ActivateRequest{Reason: "test", Mode: tt.mode})
			require.NoError(t, err)

			h := f.sys.Health()
			assert.Equal(t, tt.want, h.Status)
			assert.Equal(t, string(tt.mode), h.Mode)
		})
	}
}

// =============================================================================
// CASE LOOKUP TESTS
// =============================================================================

func TestGetCase(t *testing.T) {
	f := newFixture(t, "urgent")

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-20", "pain"))
	require.NoError(t, err)

	got, ok := f.sys.GetCase(summary.SessionID)
	require.True(t, ok)
	assert.Same(t, summary, got)

	_, err = f.sys.Kernel().StartSession("in-flight", WorkflowSurgeCapacity, "high", policy.Default())
	require.NoError(t, err)
	partial, ok := f.sys.GetCase("in-flight")
	require.True(t, ok)
	assert.Equal(t, string(kernel.SessionActive), partial.Status)
	assert.Equal(t, WorkflowSurgeCapacity, partial.Workflow)

	_, ok = f.sys.GetCase("missing")
	assert.False(t, ok)

	active := f.sys.ListActiveCases()
	require.Len(t, active, 1)
	assert.Equal(t, "in-flight", active[0].ID)
}

func TestSessionHistory(t *testing.T) {
	f := newFixture(t, "unknown")

	summary, err := f.sys.ProcessCase(context.Background(), testutil.NewCaseData("P-21", "dizziness"))
	require.NoError(t, err)

	history, err := f.sys.SessionHistory(context.Background(), summary.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, i+1, rec.Sequence)
	}
	assert.Equal(t, stages.Monitoring, history[2].Step)

	_, err = f.sys.SessionHistory(context.Background(), "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

// latestOnly is a Checkpointer without history.
type latestOnly struct {
	inner *checkpoint.MemoryCheckpointer
}

func (l latestOnly) Save(ctx context.Context, rec checkpoint.Record) error {
	return l.inner.Save(ctx, rec)
}

func (l latestOnly) Load(ctx context.Context, id string) (*checkpoint.Record, error) {
	return l.inner.Load(ctx, id)
}

func TestSessionHistory_LatestOnly(t *testing.T) {
	cp := latestOnly{inner: checkpoint.NewMemoryCheckpointer()}
	sys, err := New(nil, Deps{Providers: testutil.NewMockProviders("unknown").Set(), Checkpointer: cp})
	require.NoError(t, err)

	summary, err := sys.ProcessCase(context.Background(), testutil.NewCaseData("P-22", "cough"))
	require.NoError(t, err)

	history, err := sys.SessionHistory(context.Background(), summary.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, stages.Monitoring, history[0].Step)
}

func TestSessionHistory_NoCheckpointer(t *testing.T) {
	sys, err := New(nil, Deps{Providers: providers.RuleBased()})
	require.NoError(t, err)

	_, err = sys.SessionHistory(context.Background(), "any")
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
}

// =============================================================================
// BUS HANDLER TESTS
// =============================================================================

func TestBusHandlers(t *testing.T) {
	f := newFixture(t, "urgent")
	ctx := context.Background()

	summary, err := f.sys.ProcessCase(ctx, testutil.NewCaseData("P-30", "nausea"))
	require.NoError(t, err)

	t.Run("case status", func(t *testing.T) {
		got, err := f.sys.Bus().QuerySync(ctx, &commbus.GetCaseStatus{SessionID: summary.SessionID})
		require.NoError(t, err)
		assert.Same(t, summary, got)

		_, err = f.sys.Bus().QuerySync(ctx, &commbus.GetCaseStatus{SessionID: "missing"})
		assert.ErrorIs(t, err, ErrCaseNotFound)
	})

	t.Run("health", func(t *testing.T) {
		got, err := f.sys.Bus().QuerySync(ctx, &commbus.HealthCheckRequest{})
		require.NoError(t, err)
		assert.Equal(t, commbus.HealthCheckResponse{Status: commbus.HealthStatusHealthy, Mode: "NORMAL"}, got)
	})

}

func TestDefaultBus_AlertBreaker(t *testing.T) {
	f := newFixture(t, "urgent")
	ctx := context.Background()

	var calls int32
	f.sys.Bus().Subscribe("CriticalFindingAlert", func(context.Context, commbus.Message) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("pager offline")
	})

	for i := 0; i < alertFailureThreshold+2; i++ {
		require.NoError(t, f.sys.Bus().Publish(ctx, &commbus.CriticalFindingAlert{SessionID: "s-1", Type: "hemorrhage"}))
	}

	assert.Equal(t, int32(alertFailureThreshold), atomic.LoadInt32(&calls), "open circuit stops delivery")
	assert.True(t, f.logger.HasMessage("circuit_opened"))
	assert.True(t, f.logger.HasMessage("circuit_open_dropping"))
	assert.True(t, f.logger.HasMessage("commbus_message_failed"))
}

func TestStartCleanupLoop(t *testing.T) {
	cfg := config.DefaultSystemConfig()
	cfg.Execution.CleanupInterval = 10 * time.Millisecond
	cfg.Execution.SessionRetention = time.Nanosecond
	sys, err := New(cfg, Deps{Providers: testutil.NewMockProviders("urgent").Set()})
	require.NoError(t, err)

	summary, err := sys.ProcessCase(context.Background(), testutil.NewCaseData("P-40", "fever"))
	require.NoError(t, err)

	stop := sys.StartCleanupLoop()
	defer stop()
	assert.Eventually(t, func() bool {
		_, ok := sys.GetCase(summary.SessionID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestClose_FailsOpenSessions(t *testing.T) {
	f := newFixture(t, "urgent")
	_, err := f.sys.Kernel().StartSession("open", WorkflowSurgeCapacity, "high", policy.Default())
	require.NoError(t, err)

	require.NoError(t, f.sys.Close(context.Background()))

	sess, _ := f.sys.Kernel().Sessions().Get("open")
	assert.Equal(t, kernel.SessionError, sess.State)
}
