package stages

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/runtime"
	"github.com/jeeves-cluster-organization/eraif/coreengine/typeutil"
)

// Coordination stage names of the disaster, optimization, transfer and
// surge workflows.
const (
	DisasterAssessment      = "disaster_assessment"
	EmergencyActivation     = "emergency_activation"
	FacilityCoordination    = "facility_coordination"
	ResourceRedistribution  = "resource_redistribution"
	CommunicationManagement = "communication_management"
	RecoveryPlanning        = "recovery_planning"

	DemandAnalysis        = "demand_analysis"
	CapacityAssessment    = "capacity_assessment"
	OptimizationPlanning  = "optimization_planning"
	ResourceAllocation    = "resource_allocation"
	PerformanceMonitoring = "performance_monitoring"

	TransferAssessment    = "transfer_assessment"
	DestinationSelection  = "destination_selection"
	TransportCoordination = "transport_coordination"
	TransferExecution     = "transfer_execution"
	TransferMonitoring    = "transfer_monitoring"

	SurgeDetection     = "surge_detection"
	CapacityExpansion  = "capacity_expansion"
	StaffMobilization  = "staff_mobilization"
	OverflowManagement = "overflow_management"
	SurgeMonitoring    = "surge_monitoring"
)

// coordinationStage is a stage that only records its event.
type coordinationStage struct {
	name        string
	event       string
	description string
}

func (s coordinationStage) handler() runtime.Handler {
	return func(_ context.Context, st *casestate.CaseState) error {
		return st.AddTimelineEvent(s.name, s.event, s.description, nil)
	}
}

var coordinationStages = []coordinationStage{
	{DisasterAssessment, "disaster_assessed", "Disaster impact assessed"},
	{EmergencyActivation, "emergency_activated", "Emergency protocols activated"},
	{FacilityCoordination, "facilities_coordinated", "Inter-facility coordination established"},
	{ResourceRedistribution, "resources_redistributed", "Resources redistributed"},
	{CommunicationManagement, "communications_managed", "Communication systems managed"},
	{RecoveryPlanning, "recovery_planned", "Recovery plan developed"},

	{DemandAnalysis, "demand_analyzed", "Resource demand analyzed"},
	{CapacityAssessment, "capacity_assessed", "Facility capacity assessed"},
	{OptimizationPlanning, "optimization_planned", "Resource optimization planned"},
	{ResourceAllocation, "resources_allocated", "Resources allocated optimally"},
	{PerformanceMonitoring, "performance_monitored", "Resource performance monitored"},

	{TransferAssessment, "transfer_assessed", "Transfer need assessed"},
	{DestinationSelection, "destination_selected", "Destination facility selected"},
	{TransportCoordination, "transport_coordinated", "Transport coordinated"},
	{TransferExecution, "transfer_executed", "Patient transfer executed"},
	{TransferMonitoring, "transfer_monitored", "Transfer progress monitored"},

	{SurgeDetection, "surge_detected", "Patient surge detected"},
	{CapacityExpansion, "capacity_expanded", "Surge capacity expanded"},
	{StaffMobilization, "staff_mobilized", "Additional staff mobilized"},
	{OverflowManagement, "overflow_managed", "Overflow patients managed"},
	{SurgeMonitoring, "surge_monitored", "Surge conditions monitored"},
}

// DestinationSelection picks the least specialized receiving facility
// whose trauma level still covers the triage priority.
func (h *Handlers) DestinationSelection(_ context.Context, st *casestate.CaseState) error {
	required := 3
	if st.TriageResult != nil {
		switch ClassifyPriority(st.TriageResult.Priority) {
		case LabelCritical:
			required = 1
		case LabelUrgent:
			required = 2
		}
	}

	var selected *Facility
	for _, f := range ReceivingFacilities() {
		if f.TraumaLevel <= required && (selected == nil || f.TraumaLevel > selected.TraumaLevel) {
			selected = &f
		}
	}
	if selected == nil {
		return fmt.Errorf("no receiving facility at trauma level %d", required)
	}

	if err := st.SetMetadata("transfer_destination", selected.toMap()); err != nil {
		return err
	}
	return st.AddTimelineEvent(DestinationSelection, "destination_selected",
		fmt.Sprintf("Destination facility selected: %s", selected.Name),
		map[string]any{"facility": selected.Name, "trauma_level": selected.TraumaLevel},
	)
}

// SurgeDetection records the occupancy that triggered the surge workflow.
func (h *Handlers) SurgeDetection(_ context.Context, st *casestate.CaseState) error {
	occupancy := typeutil.Fields(st.CaseData).Float("facility_capacity.occupancy_percent", 0)
	if err := st.SetMetadata("surge", map[string]any{"occupancy_percent": occupancy}); err != nil {
		return err
	}
	return st.AddTimelineEvent(SurgeDetection, "surge_detected",
		fmt.Sprintf("Patient surge detected at %.0f%% occupancy", occupancy),
		map[string]any{"occupancy_percent": occupancy},
	)
}
