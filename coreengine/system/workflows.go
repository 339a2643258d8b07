package system

import (
	"github.com/jeeves-cluster-organization/eraif/coreengine/config"
	"github.com/jeeves-cluster-organization/eraif/coreengine/stages"
)

// Named workflows.
const (
	WorkflowMassCasualty         = "mass_casualty"
	WorkflowDisasterResponse     = "disaster_response"
	WorkflowResourceOptimization = "resource_optimization"
	WorkflowPatientTransfer      = "patient_transfer"
	WorkflowSurgeCapacity        = "surge_capacity"
)

// WorkflowNames lists the named workflows in catalog order.
func WorkflowNames() []string {
	return []string{
		WorkflowMassCasualty,
		WorkflowDisasterResponse,
		WorkflowResourceOptimization,
		WorkflowPatientTransfer,
		WorkflowSurgeCapacity,
	}
}

var workflowDescriptions = map[string]string{
	WorkflowMassCasualty:         "Mass-casualty incident response with a monitoring loop",
	WorkflowDisasterResponse:     "Disaster response coordination across facilities",
	WorkflowResourceOptimization: "Resource allocation for concurrent high-priority demand",
	WorkflowPatientTransfer:      "Inter-facility patient transfer",
	WorkflowSurgeCapacity:        "Surge capacity expansion under high occupancy",
}

var coordinationChains = map[string][]string{
	WorkflowDisasterResponse: {
		stages.DisasterAssessment,
		stages.EmergencyActivation,
		stages.FacilityCoordination,
		stages.ResourceRedistribution,
		stages.CommunicationManagement,
		stages.RecoveryPlanning,
	},
	WorkflowResourceOptimization: {
		stages.DemandAnalysis,
		stages.CapacityAssessment,
		stages.OptimizationPlanning,
		stages.ResourceAllocation,
		stages.PerformanceMonitoring,
	},
	WorkflowPatientTransfer: {
		stages.TransferAssessment,
		stages.DestinationSelection,
		stages.TransportCoordination,
		stages.TransferExecution,
		stages.TransferMonitoring,
	},
	WorkflowSurgeCapacity: {
		stages.SurgeDetection,
		stages.CapacityExpansion,
		stages.StaffMobilization,
		stages.OverflowManagement,
		stages.SurgeMonitoring,
	},
}

// WorkflowSpec returns the declarative definition of a named workflow, or
// nil for an unknown name.
//
// Every workflow shares the clinical pipeline:
//
//	intake -> triage -> [triage_router]
//	    critical, urgent -> imaging_analysis -> clinical_decision
//	    routine          -> clinical_decision
//	    monitoring       -> monitoring -> end
//	clinical_decision -> resource_optimization -> <coordination> -> emergency_coordination -> end
func WorkflowSpec(name string, maxSteps int) *config.WorkflowSpec {
	desc, ok := workflowDescriptions[name]
	if !ok {
		return nil
	}
	spec := config.NewWorkflowSpec(name, stages.Intake)
	spec.Description = desc
	if maxSteps > 0 {
		spec.MaxSteps = maxSteps
	}

	var coordinationEntry string
	var err error
	if name == WorkflowMassCasualty {
		coordinationEntry = stages.IncidentAssessment
		err = addMassCasualty(spec)
	} else {
		chain := coordinationChains[name]
		coordinationEntry = chain[0]
		err = spec.Chain(stages.EmergencyCoordination, chain...)
	}
	if err == nil {
		err = addClinicalPipeline(spec, coordinationEntry)
	}
	if err != nil {
		// Catalog node names are constants; a failure here is a programming error.
		panic(err)
	}
	return spec
}

func addClinicalPipeline(spec *config.WorkflowSpec, coordinationEntry string) error {
	nodes := []*config.NodeSpec{
		{Name: stages.Intake, Next: stages.Triage},
		{
			Name:   stages.Triage,
			Router: stages.TriageRouterName,
			Routes: map[string]string{
				string(stages.LabelCritical):   stages.ImagingAnalysis,
				string(stages.LabelUrgent):     stages.ImagingAnalysis,
				string(stages.LabelRoutine):    stages.ClinicalDecision,
				string(stages.LabelMonitoring): stages.Monitoring,
			},
		},
		{Name: stages.ImagingAnalysis, Next: stages.ClinicalDecision},
		{Name: stages.ClinicalDecision, Next: stages.ResourceOptimization},
		{Name: stages.ResourceOptimization, Next: coordinationEntry},
		{Name: stages.EmergencyCoordination, Next: config.EndTarget},
		{Name: stages.Monitoring, Next: config.EndTarget},
	}
	for _, n := range nodes {
		if err := spec.AddNode(n); err != nil {
			return err
		}
	}
	return nil
}

func addMassCasualty(spec *config.WorkflowSpec) error {
	if err := spec.Chain(stages.OngoingMonitoring,
		stages.IncidentAssessment,
		stages.ResourceMobilization,
		stages.TriageCoordination,
		stages.PatientDistribution,
	); err != nil {
		return err
	}
	if err := spec.AddNode(&config.NodeSpec{
		Name:   stages.OngoingMonitoring,
		Router: stages.IncidentMonitorRouterName,
		Routes: map[string]string{
			string(stages.LabelContinue): stages.OngoingMonitoring,
			string(stages.LabelResolve):  stages.IncidentResolution,
			string(stages.LabelEscalate): stages.ResourceMobilization,
		},
	}); err != nil {
		return err
	}
	return spec.AddNode(&config.NodeSpec{Name: stages.IncidentResolution, Next: stages.EmergencyCoordination})
}
