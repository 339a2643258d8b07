package providers

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/typeutil"
)

// =============================================================================
// TRIAGE
// =============================================================================

// TriageCategory is one emergency triage category.
type TriageCategory struct {
	Name           string
	Code           string
	ESILevel       int
	MaxWaitMinutes int
}

// TriageCategories are ordered from most to least urgent.
var TriageCategories = []TriageCategory{
	{Name: "immediate", Code: "red", ESILevel: 1, MaxWaitMinutes: 0},
	{Name: "urgent", Code: "yellow", ESILevel: 2, MaxWaitMinutes: 30},
	{Name: "less_urgent", Code: "green", ESILevel: 3, MaxWaitMinutes: 120},
	{Name: "non_urgent", Code: "blue", ESILevel: 4, MaxWaitMinutes: 240},
}

var (
	immediateKeywords = []string{"cardiac arrest", "unresponsive", "not breathing", "anaphylaxis", "massive bleeding"}
	urgentKeywords    = []string{"chest pain", "stroke", "trauma", "head injury", "shortness of breath", "seizure", "respiratory"}
	moderateKeywords  = []string{"fracture", "abdominal pain", "fever", "laceration", "vomiting"}
)

// RuleTriage classifies cases from vital signs and chief-complaint keywords.
type RuleTriage struct{}

// NewRuleTriage creates a RuleTriage.
func NewRuleTriage() *RuleTriage { return &RuleTriage{} }

// Analyze implements TriageAnalyzer. Cases with neither a complaint nor
// vital signs get the conservative "urgent" assessment at low confidence.
func (r *RuleTriage) Analyze(ctx context.Context, caseData map[string]any) (*casestate.TriageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := typeutil.Fields(caseData)
	complaint := strings.ToLower(data.String("chief_complaint", ""))
	vitals := typeutil.Fields(data.Map("vital_signs"))

	if complaint == "" && len(vitals) == 0 {
		return &casestate.TriageResult{
			Priority:       "urgent",
			Confidence:     0.3,
			RedFlags:       []string{"Unable to complete full assessment"},
			MaxWaitMinutes: 30,
			ESILevel:       2,
			Rationale:      "insufficient data for triage",
		}, nil
	}

	redFlags := vitalRedFlags(vitals)
	category := TriageCategories[3]
	switch {
	case containsAny(complaint, immediateKeywords) || len(redFlags) >= 2:
		category = TriageCategories[0]
	case containsAny(complaint, urgentKeywords) || len(redFlags) == 1:
		category = TriageCategories[1]
	case containsAny(complaint, moderateKeywords):
		category = TriageCategories[2]
	}
	for _, kw := range immediateKeywords {
		if strings.Contains(complaint, kw) {
			redFlags = append(redFlags, kw)
		}
	}

	signals := 0
	if complaint != "" {
		signals++
	}
	if len(vitals) > 0 {
		signals++
	}
	if data.Has("age") {
		signals++
	}
	confidence := math.Min(0.95, 0.55+0.1*float64(signals)+0.05*float64(len(redFlags)))

	return &casestate.TriageResult{
		Priority:       category.Name,
		Confidence:     math.Round(confidence*100) / 100,
		RedFlags:       redFlags,
		MaxWaitMinutes: category.MaxWaitMinutes,
		ESILevel:       category.ESILevel,
		Rationale:      fmt.Sprintf("ESI %d from %d signal(s) and %d red flag(s)", category.ESILevel, signals, len(redFlags)),
	}, nil
}

func vitalRedFlags(v typeutil.Fields) []string {
	var flags []string
	if hr := v.Float("heart_rate", 0); hr > 130 || (hr > 0 && hr < 40) {
		flags = append(flags, fmt.Sprintf("heart rate %.0f", hr))
	}
	if bp := v.Float("systolic_bp", 0); bp > 0 && bp < 90 {
		flags = append(flags, fmt.Sprintf("systolic bp %.0f", bp))
	}
	if spo2 := v.Float("oxygen_saturation", 0); spo2 > 0 && spo2 < 90 {
		flags = append(flags, fmt.Sprintf("oxygen saturation %.0f", spo2))
	}
	if rr := v.Float("respiratory_rate", 0); rr > 30 {
		flags = append(flags, fmt.Sprintf("respiratory rate %.0f", rr))
	}
	return flags
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// =============================================================================
// IMAGING
// =============================================================================

var criticalImagingTerms = map[string]string{
	"hemorrhage":         "intracranial_hemorrhage",
	"pneumothorax":       "pneumothorax",
	"aortic dissection":  "aortic_dissection",
	"pulmonary embolism": "pulmonary_embolism",
	"free air":           "pneumoperitoneum",
}

// RuleImaging reads structured findings and impression keywords from a
// study map.
type RuleImaging struct {
	// KeywordConfidence is assigned to findings detected from the impression.
	KeywordConfidence float64
}

// NewRuleImaging creates a RuleImaging.
func NewRuleImaging() *RuleImaging { return &RuleImaging{KeywordConfidence: 0.92} }

// Analyze implements ImagingAnalyzer. Study keys: findings (list of
// {type, description, severity, location, confidence}) and impression.
func (r *RuleImaging) Analyze(ctx context.Context, study map[string]any) (*casestate.ImagingResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := typeutil.Fields(study)
	result := &casestate.ImagingResult{UrgencyLevel: "routine"}

	if raw, ok := s.Lookup("findings"); ok {
		items, ok := typeutil.AsMapSlice(raw)
		if !ok {
			return nil, fmt.Errorf("imaging study %s: findings must be a list of objects", s.String("study_id", "unknown"))
		}
		for _, item := range items {
			f := typeutil.Fields(item)
			finding := casestate.Finding{
				Type:        f.String("type", "unspecified"),
				Description: f.String("description", ""),
				Severity:    strings.ToLower(f.String("severity", "moderate")),
				Location:    f.String("location", ""),
				Confidence:  f.Float("confidence", 0.5),
			}
			if finding.Severity == "critical" {
				result.CriticalFindings = append(result.CriticalFindings, finding)
			} else {
				result.SignificantFindings = append(result.SignificantFindings, finding)
			}
		}
	}

	impression := strings.ToLower(s.String("impression", ""))
	for _, term := range sortedTerms() {
		if strings.Contains(impression, term) {
			result.CriticalFindings = append(result.CriticalFindings, casestate.Finding{
				Type:        criticalImagingTerms[term],
				Description: fmt.Sprintf("%s noted in impression", term),
				Severity:    "critical",
				Confidence:  r.KeywordConfidence,
			})
		}
	}

	for _, f := range append(append([]casestate.Finding{}, result.CriticalFindings...), result.SignificantFindings...) {
		result.Confidence = math.Max(result.Confidence, f.Confidence)
	}
	switch {
	case len(result.CriticalFindings) > 0:
		result.UrgencyLevel = "critical"
	case len(result.SignificantFindings) > 0:
		result.UrgencyLevel = "urgent"
	}
	return result, nil
}

func sortedTerms() []string {
	return []string{"aortic dissection", "free air", "hemorrhage", "pneumothorax", "pulmonary embolism"}
}

// =============================================================================
// RECOMMENDATIONS
// =============================================================================

// RuleRecommendations derives recommendations from triage and imaging.
type RuleRecommendations struct{}

// NewRuleRecommendations creates a RuleRecommendations.
func NewRuleRecommendations() *RuleRecommendations { return &RuleRecommendations{} }

// Generate implements RecommendationGenerator.
func (r *RuleRecommendations) Generate(ctx context.Context, caseData map[string]any, triage *casestate.TriageResult, imaging *casestate.ImagingResult) ([]casestate.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var recs []casestate.Recommendation

	if imaging != nil {
		for _, f := range imaging.CriticalFindings {
			recs = append(recs, casestate.Recommendation{
				Recommendation: fmt.Sprintf("Immediate specialist consultation for %s", f.Type),
				Priority:       1,
				Rationale:      f.Description,
				Confidence:     f.Confidence,
				Timeframe:      "immediate",
			})
		}
	}

	if triage != nil {
		switch strings.ToLower(triage.Priority) {
		case "immediate", "critical", "life_threatening":
			recs = append(recs, casestate.Recommendation{
				Recommendation: "Activate resuscitation team",
				Priority:       1,
				Rationale:      triage.Rationale,
				Confidence:     triage.Confidence,
				Timeframe:      "immediate",
			})
		case "urgent", "high":
			recs = append(recs, casestate.Recommendation{
				Recommendation: "Expedited physician evaluation",
				Priority:       2,
				Rationale:      triage.Rationale,
				Confidence:     triage.Confidence,
				Timeframe:      "within 30 minutes",
			})
		}
	}

	if typeutil.Fields(caseData).Bool("requires_transfer", false) {
		recs = append(recs, casestate.Recommendation{
			Recommendation: "Arrange inter-facility transfer",
			Priority:       2,
			Rationale:      "transfer requested at intake",
			Confidence:     0.8,
			Timeframe:      "within 60 minutes",
		})
	}

	if len(recs) == 0 {
		recs = append(recs, casestate.Recommendation{
			Recommendation: "Comprehensive clinical assessment needed",
			Priority:       3,
			Rationale:      "Insufficient data for specific recommendations",
			Confidence:     0.5,
			Timeframe:      "immediate",
		})
	}
	return recs, nil
}

// =============================================================================
// RESOURCES
// =============================================================================

// RuleOptimizer sizes bed and staff allocation from demand and capacity.
type RuleOptimizer struct{}

// NewRuleOptimizer creates a RuleOptimizer.
func NewRuleOptimizer() *RuleOptimizer { return &RuleOptimizer{} }

// Optimize implements ResourceOptimizer.
//
// demand: priority, recommendation_count, critical_findings.
// capacity: available_beds, staff_on_duty, occupancy_percent.
// constraints: batch_size.
func (r *RuleOptimizer) Optimize(ctx context.Context, demand, capacity, constraints map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := typeutil.Fields(demand)
	c := typeutil.Fields(capacity)
	k := typeutil.Fields(constraints)

	beds := 1
	staff := 1
	switch strings.ToLower(d.String("priority", "")) {
	case "immediate", "critical", "life_threatening":
		staff = 3
	case "urgent", "high":
		staff = 2
	}
	staff += d.Int("critical_findings", 0)

	available := c.Int("available_beds", 10)
	occupancy := c.Float("occupancy_percent", 0)
	overflow := available < beds || occupancy >= 95

	strategy := "standard"
	switch {
	case overflow:
		strategy = "overflow"
	case occupancy >= 85:
		strategy = "surge"
	case k.Int("batch_size", 8) < 8:
		strategy = "emergency_batching"
	}

	return map[string]any{
		"allocation_plan": map[string]any{
			"beds":  beds,
			"staff": staff,
		},
		"available_beds":    available,
		"occupancy_percent": occupancy,
		"overflow_required": overflow,
		"strategy":          strategy,
	}, nil
}
