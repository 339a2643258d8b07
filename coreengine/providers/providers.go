// Package providers defines the analysis capabilities the stage handlers
// consume. Each capability is a one-method interface; concrete providers
// are injected through a Set.
package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
)

// TriageAnalyzer classifies a case's urgency.
type TriageAnalyzer interface {
	Analyze(ctx context.Context, caseData map[string]any) (*casestate.TriageResult, error)
}

// ImagingAnalyzer reads one imaging study.
type ImagingAnalyzer interface {
	Analyze(ctx context.Context, study map[string]any) (*casestate.ImagingResult, error)
}

// RecommendationGenerator produces ordered clinical recommendations.
type RecommendationGenerator interface {
	Generate(ctx context.Context, caseData map[string]any, triage *casestate.TriageResult, imaging *casestate.ImagingResult) ([]casestate.Recommendation, error)
}

// ResourceOptimizer builds an allocation plan. The plan is opaque to the
// core and stored in case metadata.
type ResourceOptimizer interface {
	Optimize(ctx context.Context, demand, capacity, constraints map[string]any) (map[string]any, error)
}

// Set bundles one implementation of every capability.
type Set struct {
	Triage          TriageAnalyzer
	Imaging         ImagingAnalyzer
	Recommendations RecommendationGenerator
	Resources       ResourceOptimizer
}

// RuleBased returns the deterministic rule-based providers.
func RuleBased() Set {
	return Set{
		Triage:          NewRuleTriage(),
		Imaging:         NewRuleImaging(),
		Recommendations: NewRuleRecommendations(),
		Resources:       NewRuleOptimizer(),
	}
}

// Validate reports every missing capability.
func (s Set) Validate() error {
	var missing []string
	if s.Triage == nil {
		missing = append(missing, "triage")
	}
	if s.Imaging == nil {
		missing = append(missing, "imaging")
	}
	if s.Recommendations == nil {
		missing = append(missing, "recommendations")
	}
	if s.Resources == nil {
		missing = append(missing, "resources")
	}
	if len(missing) > 0 {
		return errors.New("missing providers: " + strings.Join(missing, ", "))
	}
	return nil
}
