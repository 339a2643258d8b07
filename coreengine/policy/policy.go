// Package policy defines the cross-cutting operating policy shared by the
// emergency-mode controller and every case session.
//
// A Policy is a plain value. Sessions copy it at start and never observe
// later mode changes.
package policy

import (
	"math"
	"strings"
	"time"
)

// PriorityLevel orders case priorities for filtering.
type PriorityLevel string

const (
	PriorityLow      PriorityLevel = "LOW"
	PriorityMedium   PriorityLevel = "MEDIUM"
	PriorityHigh     PriorityLevel = "HIGH"
	PriorityCritical PriorityLevel = "CRITICAL"
)

var priorityRank = map[PriorityLevel]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the ordinal of the level; unknown levels rank lowest.
func (p PriorityLevel) Rank() int {
	return priorityRank[p]
}

// AtLeast reports whether p is at or above other.
func (p PriorityLevel) AtLeast(other PriorityLevel) bool {
	return p.Rank() >= other.Rank()
}

// ParsePriority maps free-form case priorities onto a PriorityLevel.
// Unrecognized input maps to LOW.
func ParsePriority(s string) PriorityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "life_threatening", "immediate":
		return PriorityCritical
	case "high", "urgent":
		return PriorityHigh
	case "medium", "moderate", "routine", "normal":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Severity is the severity attached to an emergency activation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a severity string. Unknown values map to medium.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// ScaleFactor is the fraction of the full emergency adjustment applied for
// the severity.
func (s Severity) ScaleFactor() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.25
	default:
		return 0.5
	}
}

// Policy is the snapshot of operating parameters a session runs under.
type Policy struct {
	PriorityThreshold   PriorityLevel `json:"priority_threshold" yaml:"priority_threshold"`
	BatchSize           int           `json:"batch_size" yaml:"batch_size"`
	Timeout             time.Duration `json:"timeout" yaml:"timeout"`
	CompressionEnabled  bool          `json:"compression_enabled" yaml:"compression_enabled"`
	ConfidenceThreshold float64       `json:"confidence_threshold" yaml:"confidence_threshold"`
}

// Default returns the NORMAL-mode policy.
func Default() Policy {
	return Policy{
		PriorityThreshold:   PriorityLow,
		BatchSize:           8,
		Timeout:             30 * time.Second,
		CompressionEnabled:  false,
		ConfidenceThreshold: 0.9,
	}
}

// ConfidenceFloor is the lowest alert confidence threshold an emergency
// policy may reach.
const ConfidenceFloor = 0.6

// ForSeverity derives the emergency policy for a severity from the normal
// policy. CRITICAL halves the timeout, cuts batch size by three eighths,
// drops the confidence threshold to ConfidenceFloor and filters to HIGH;
// lower severities scale the same adjustments by their factor.
func ForSeverity(normal Policy, severity Severity) Policy {
	f := severity.ScaleFactor()

	threshold := PriorityMedium
	if severity == SeverityCritical || severity == SeverityHigh {
		threshold = PriorityHigh
	}

	batch := int(math.Round(float64(normal.BatchSize) * (1 - 0.375*f)))
	if batch < 1 {
		batch = 1
	}

	confidence := normal.ConfidenceThreshold
	if confidence > ConfidenceFloor {
		confidence = normal.ConfidenceThreshold - (normal.ConfidenceThreshold-ConfidenceFloor)*f
	}
	// Keep thresholds readable in status output and alerts.
	confidence = math.Round(confidence*1000) / 1000

	return Policy{
		PriorityThreshold:   threshold,
		BatchSize:           batch,
		Timeout:             time.Duration(float64(normal.Timeout) * (1 - 0.5*f)),
		CompressionEnabled:  true,
		ConfidenceThreshold: confidence,
	}
}

// Admits reports whether a case at the given priority passes the threshold.
func (p Policy) Admits(level PriorityLevel) bool {
	return level.AtLeast(p.PriorityThreshold)
}

// ToMap renders the policy for status payloads.
func (p Policy) ToMap() map[string]any {
	return map[string]any{
		"priority_threshold":   string(p.PriorityThreshold),
		"batch_size":           p.BatchSize,
		"timeout_seconds":      p.Timeout.Seconds(),
		"compression_enabled":  p.CompressionEnabled,
		"confidence_threshold": p.ConfidenceThreshold,
	}
}
