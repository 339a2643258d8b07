package stages

import (
	"context"
	"fmt"
	"sort"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/typeutil"
)

// Mass-casualty stage names.
const (
	IncidentAssessment   = "incident_assessment"
	ResourceMobilization = "resource_mobilization"
	TriageCoordination   = "triage_coordination"
	PatientDistribution  = "patient_distribution"
	OngoingMonitoring    = "ongoing_monitoring"
	IncidentResolution   = "incident_resolution"
)

// Incident monitor statuses.
const (
	MonitorOngoing     = "ongoing"
	MonitorWindingDown = "winding_down"
	MonitorEscalating  = "escalating"
)

const (
	// MonitorIntervalMinutes is the simulated time one monitoring round covers.
	MonitorIntervalMinutes = 15
	// WindDownMinutes is the elapsed time after which an incident winds down.
	WindDownMinutes = 240

	maxAmbulances   = 20
	maxMedicalTeams = 10
	defaultCasualty = 10
)

var incidentMultipliers = map[string]float64{
	"vehicle_accident":  1.0,
	"building_collapse": 1.5,
	"explosion":         2.0,
	"chemical_spill":    1.8,
	"natural_disaster":  2.5,
}

var incidentSupplies = []string{"trauma_kits", "medications", "iv_fluids", "oxygen"}

// IncidentResources is the resource estimate for an incident.
type IncidentResources struct {
	Ambulances             int
	MedicalTeams           int
	Supplies               []string
	EstimatedDurationHours int
}

// CalculateIncidentResources estimates ambulances, teams and duration from
// the casualty count and incident type. Unknown types use multiplier 1.
func CalculateIncidentResources(casualties int, incidentType string) IncidentResources {
	multiplier, ok := incidentMultipliers[incidentType]
	if !ok {
		multiplier = 1.0
	}
	return IncidentResources{
		Ambulances:             int(float64(max(casualties/5, 2)) * multiplier),
		MedicalTeams:           int(float64(max(casualties/10, 1)) * multiplier),
		Supplies:               append([]string(nil), incidentSupplies...),
		EstimatedDurationHours: casualties/5 + 2,
	}
}

func (r IncidentResources) toMap() map[string]any {
	return map[string]any{
		"ambulances":               r.Ambulances,
		"medical_teams":            r.MedicalTeams,
		"supplies":                 append([]string(nil), r.Supplies...),
		"estimated_duration_hours": r.EstimatedDurationHours,
	}
}

// Facility is a receiving facility for distributed patients.
type Facility struct {
	Name          string
	AvailableBeds int
	TraumaLevel   int
	Specialties   []string
}

// ReceivingFacilities lists the facilities patients are distributed to.
func ReceivingFacilities() []Facility {
	return []Facility{
		{Name: "Regional Medical Center", AvailableBeds: 50, TraumaLevel: 1, Specialties: []string{"trauma", "cardiac", "neuro"}},
		{Name: "Community Hospital", AvailableBeds: 30, TraumaLevel: 2, Specialties: []string{"general", "orthopedic"}},
		{Name: "Emergency Field Hospital", AvailableBeds: 20, TraumaLevel: 3, Specialties: []string{"stabilization", "triage"}},
	}
}

func (f Facility) toMap() map[string]any {
	return map[string]any{
		"name":           f.Name,
		"available_beds": f.AvailableBeds,
		"trauma_level":   f.TraumaLevel,
		"specialties":    append([]string(nil), f.Specialties...),
	}
}

// Distribution is the per-facility patient split by triage color.
type Distribution struct {
	Red    int
	Yellow int
	Green  int
}

// Total returns the patients assigned to the facility.
func (d Distribution) Total() int { return d.Red + d.Yellow + d.Green }

// DistributeCapacity splits a facility's beds across triage colors.
func DistributeCapacity(beds int) Distribution {
	return Distribution{
		Red:    min(beds/4, 5),
		Yellow: min(beds/2, 10),
		Green:  beds - beds/4 - beds/2,
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// IncidentAssessment estimates resource needs from case_data.incident_data.
func (h *Handlers) IncidentAssessment(_ context.Context, st *casestate.CaseState) error {
	incident := typeutil.Fields(typeutil.Fields(st.CaseData).Map("incident_data"))
	casualties := incident.Int("estimated_casualties", defaultCasualty)
	incidentType := incident.String("type", "unknown")
	location := incident.String("location", "unknown")

	needs := CalculateIncidentResources(casualties, incidentType)
	allocation := needs.toMap()
	allocation["estimated_casualties"] = casualties
	allocation["incident_type"] = incidentType
	allocation["location"] = location
	if err := st.SetMetadata("resource_allocation", allocation); err != nil {
		return err
	}

	h.logger.Info("incident_assessed",
		"session_id", st.SessionID,
		"casualties", casualties,
		"incident_type", incidentType,
		"ambulances", needs.Ambulances,
	)
	return st.AddTimelineEvent(IncidentAssessment, "assessment_complete",
		fmt.Sprintf("Incident assessed: %d casualties, type: %s", casualties, incidentType),
		map[string]any{"resource_needs": needs.toMap()},
	)
}

// ResourceMobilization mobilizes the assessed resources, capped at the
// regional maximums. A second run records the escalation.
func (h *Handlers) ResourceMobilization(_ context.Context, st *casestate.CaseState) error {
	needs := typeutil.Fields(st.MetadataMap("resource_allocation"))
	facilities := ReceivingFacilities()
	facilityMaps := make([]any, len(facilities))
	for i, f := range facilities {
		facilityMaps[i] = f.toMap()
	}

	round := st.CountSteps(ResourceMobilization) + 1
	plan := map[string]any{
		"ambulances":    min(needs.Int("ambulances", 0), maxAmbulances),
		"medical_teams": min(needs.Int("medical_teams", 0), maxMedicalTeams),
		"supplies":      needs.Strings("supplies"),
		"facilities":    facilityMaps,
		"round":         round,
		"escalated":     round > 1,
	}
	if err := st.SetMetadata("mobilized", plan); err != nil {
		return err
	}
	if round > 1 {
		h.logger.Warn("incident_escalated", "session_id", st.SessionID, "round", round)
	}
	return st.AddTimelineEvent(ResourceMobilization, "resources_mobilized", "Emergency resources mobilized",
		map[string]any{"ambulances": plan["ambulances"], "medical_teams": plan["medical_teams"], "round": round},
	)
}

// TriageCoordination sets up field triage with the mobilized teams.
func (h *Handlers) TriageCoordination(_ context.Context, st *casestate.CaseState) error {
	teams := typeutil.Fields(st.MetadataMap("mobilized")).Int("medical_teams", 2)
	cfg := map[string]any{
		"triage_teams":           teams,
		"triage_areas":           []string{"red", "yellow", "green", "black"},
		"protocols":              []string{"START", "JumpSTART"},
		"communication_channels": []string{"radio", "mobile", "satellite"},
	}
	if err := st.SetMetadata("triage_config", cfg); err != nil {
		return err
	}
	return st.AddTimelineEvent(TriageCoordination, "triage_coordinated", "Triage operations coordinated",
		map[string]any{"triage_teams": teams},
	)
}

// PatientDistribution assigns patients to each mobilized facility.
func (h *Handlers) PatientDistribution(_ context.Context, st *casestate.CaseState) error {
	facilities, _ := typeutil.AsMapSlice(st.MetadataMap("mobilized")["facilities"])

	plan := make(map[string]any, len(facilities))
	total := 0
	for _, f := range facilities {
		fields := typeutil.Fields(f)
		d := DistributeCapacity(fields.Int("available_beds", 10))
		total += d.Total()
		plan[fields.String("name", "unknown")] = map[string]any{
			"red_patients":    d.Red,
			"yellow_patients": d.Yellow,
			"green_patients":  d.Green,
		}
	}
	if err := st.SetMetadata("patient_distribution", plan); err != nil {
		return err
	}
	return st.AddTimelineEvent(PatientDistribution, "patients_distributed", "Patients distributed to facilities",
		map[string]any{"facilities": len(plan), "patients": total},
	)
}

// OngoingMonitoring records one monitoring round. Each round covers
// MonitorIntervalMinutes of simulated time.
func (h *Handlers) OngoingMonitoring(_ context.Context, st *casestate.CaseState) error {
	rounds := st.CountSteps(OngoingMonitoring) + 1
	elapsed := rounds * MonitorIntervalMinutes

	status := MonitorOngoing
	if elapsed >= WindDownMinutes {
		status = MonitorWindingDown
	}

	monitor := map[string]any{
		"rounds":                    rounds,
		"incident_duration_minutes": elapsed,
		"patients_processed":        distributedPatients(st),
		"status":                    status,
	}
	if err := st.SetMetadata("monitoring", monitor); err != nil {
		return err
	}
	return st.AddTimelineEvent(OngoingMonitoring, "incident_monitored",
		fmt.Sprintf("Incident monitoring update: %s", status),
		map[string]any{"rounds": rounds, "status": status},
	)
}

func distributedPatients(st *casestate.CaseState) int {
	dist := st.MetadataMap("patient_distribution")
	names := make([]string, 0, len(dist))
	for name := range dist {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		f := typeutil.Fields(typeutil.Fields(dist).Map(name))
		total += f.Int("red_patients", 0) + f.Int("yellow_patients", 0) + f.Int("green_patients", 0)
	}
	return total
}

// IncidentResolution summarizes the incident.
func (h *Handlers) IncidentResolution(_ context.Context, st *casestate.CaseState) error {
	monitor := typeutil.Fields(st.MetadataMap("monitoring"))
	summary := map[string]any{
		"total_duration_minutes": monitor.Int("incident_duration_minutes", 0),
		"patients_treated":       monitor.Int("patients_processed", 0),
		"resources_used":         st.MetadataMap("mobilized"),
		"lessons_learned": []string{
			"Communication protocols worked effectively",
			"Resource mobilization could be improved",
			"Triage operations were successful",
			"Inter-facility coordination needs enhancement",
		},
		"after_action_items": []string{
			"Update resource mobilization procedures",
			"Conduct training exercise based on incident",
			"Review communication protocols",
			"Update facility capacity data",
		},
	}
	if err := st.SetMetadata("resolution", summary); err != nil {
		return err
	}
	h.logger.Info("incident_resolved",
		"session_id", st.SessionID,
		"duration_minutes", summary["total_duration_minutes"],
		"patients_treated", summary["patients_treated"],
	)
	return st.AddTimelineEvent(IncidentResolution, "incident_resolved", "Mass casualty incident resolved",
		map[string]any{"total_duration_minutes": summary["total_duration_minutes"]},
	)
}
