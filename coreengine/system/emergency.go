package system

import (
	"context"
	"time"

	"github.com/jeeves-cluster-organization/eraif/commbus"
	"github.com/jeeves-cluster-organization/eraif/coreengine/kernel"
	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// =============================================================================
// Emergency Mode
// =============================================================================

// ActivateEmergency enters an emergency mode. A conflicting activation is
// reported in the result, not as an error.
func (s *System) ActivateEmergency(ctx context.Context, req kernel.ActivateRequest) (kernel.ActivationResult, error) {
	res, err := s.kernel.Activate(req)
	if err != nil {
		s.logger.Warn("emergency_activation_rejected", "reason", req.Reason, "error", err.Error())
		return res, err
	}
	if res.Status != kernel.ActivationActivated {
		s.logger.Warn("emergency_activation_conflict",
			"reason", req.Reason,
			"active_emergency", res.EmergencyID,
			"active_reason", res.Reason,
		)
		return res, nil
	}

	s.logger.Warn("emergency_mode_activated",
		"emergency_id", res.EmergencyID,
		"mode", string(res.Mode),
		"reason", res.Reason,
		"estimated_end", res.EstimatedEnd.Format(time.RFC3339),
	)
	_ = s.bus.Publish(ctx, &commbus.EmergencyModeChanged{
		EmergencyID: res.EmergencyID,
		From:        string(kernel.ModeNormal),
		To:          string(res.Mode),
		Reason:      res.Reason,
		Timestamp:   res.ActivatedAt,
	})
	return res, nil
}

// DeactivationSummary is the deactivation result plus the number of cases
// finished while the emergency was active.
type DeactivationSummary struct {
	kernel.DeactivationResult
	CasesProcessed int `json:"cases_processed"`
}

// DeactivateEmergency returns to normal operation through RECOVERY.
func (s *System) DeactivateEmergency(ctx context.Context, notes string) DeactivationSummary {
	before := s.kernel.Mode().Snapshot()
	res := s.kernel.Deactivate(notes)
	out := DeactivationSummary{DeactivationResult: res}
	if res.Status != kernel.DeactivationDeactivated {
		return out
	}
	out.CasesProcessed = s.kernel.Sessions().CountFinishedSince(before.ActivatedAt)

	s.logger.Info("emergency_mode_deactivated",
		"emergency_id", res.EmergencyID,
		"previous_mode", string(res.PreviousMode),
		"duration_seconds", res.DurationSeconds,
		"cases_processed", out.CasesProcessed,
	)
	now := time.Now().UTC()
	for _, t := range [][2]kernel.Mode{
		{res.PreviousMode, kernel.ModeRecovery},
		{kernel.ModeRecovery, kernel.ModeNormal},
	} {
		_ = s.bus.Publish(ctx, &commbus.EmergencyModeChanged{
			EmergencyID: res.EmergencyID,
			From:        string(t[0]),
			To:          string(t[1]),
			Reason:      notes,
			Timestamp:   now,
		})
	}
	return out
}

// =============================================================================
// Status
// =============================================================================

// ModeView is the public view of the emergency mode.
type ModeView struct {
	Mode         kernel.Mode     `json:"mode"`
	EmergencyID  string          `json:"emergency_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Severity     policy.Severity `json:"severity,omitempty"`
	ActivatedAt  *time.Time      `json:"activated_at,omitempty"`
	EstimatedEnd *time.Time      `json:"estimated_end,omitempty"`
}

// SystemStatus is a point-in-time view of the system.
type SystemStatus struct {
	Mode            ModeView      `json:"mode"`
	ActiveSessions  int           `json:"active_sessions"`
	Policy          policy.Policy `json:"policy"`
	AlertsGenerated int64         `json:"alerts_generated"`
	Workflows       []string      `json:"workflows"`
}

// Status returns the current system status.
func (s *System) Status() SystemStatus {
	snap := s.kernel.Mode().Snapshot()
	view := ModeView{
		Mode:        snap.Mode,
		EmergencyID: snap.EmergencyID,
		Reason:      snap.Reason,
		Severity:    snap.Severity,
	}
	if snap.Active() {
		activated, end := snap.ActivatedAt, snap.EstimatedEnd
		view.ActivatedAt = &activated
		view.EstimatedEnd = &end
	}
	return SystemStatus{
		Mode:            view,
		ActiveSessions:  len(s.kernel.Sessions().Active()),
		Policy:          snap.Policy,
		AlertsGenerated: s.AlertsGenerated(),
		Workflows:       WorkflowNames(),
	}
}

// Health maps the emergency mode onto a health status: NORMAL is healthy,
// ISOLATION unhealthy, any other mode degraded.
func (s *System) Health() commbus.HealthCheckResponse {
	snap := s.kernel.Mode().Snapshot()
	status := commbus.HealthStatusDegraded
	switch snap.Mode {
	case kernel.ModeNormal:
		status = commbus.HealthStatusHealthy
	case kernel.ModeIsolation:
		status = commbus.HealthStatusUnhealthy
	}
	return commbus.HealthCheckResponse{
		Status:         status,
		Mode:           string(snap.Mode),
		ActiveSessions: len(s.kernel.Sessions().Active()),
	}
}
