package casestate

// TriageResult is the output of a triage analysis provider.
type TriageResult struct {
	Priority       string   `json:"priority"`
	Confidence     float64  `json:"confidence"`
	RedFlags       []string `json:"red_flags,omitempty"`
	MaxWaitMinutes int      `json:"max_wait_time"`
	ESILevel       int      `json:"esi_level,omitempty"`
	Rationale      string   `json:"rationale,omitempty"`
}

// Finding is a single imaging finding.
type Finding struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Severity    string  `json:"severity,omitempty"`
	Location    string  `json:"location,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// ImagingResult is the output of an imaging analysis provider.
type ImagingResult struct {
	CriticalFindings    []Finding `json:"critical_findings,omitempty"`
	SignificantFindings []Finding `json:"significant_findings,omitempty"`
	Confidence          float64   `json:"confidence"`
	UrgencyLevel        string    `json:"urgency_level"`
}

// Recommendation is one clinical recommendation. Priority runs 1 (highest)
// to 5.
type Recommendation struct {
	Recommendation string  `json:"recommendation"`
	Priority       int     `json:"priority"`
	Rationale      string  `json:"rationale,omitempty"`
	Confidence     float64 `json:"confidence"`
	Timeframe      string  `json:"timeframe,omitempty"`
}

// CriticalFinding is a finding surfaced in a case summary and, above the
// policy confidence threshold, raised as an alert.
type CriticalFinding struct {
	Source      string  `json:"source"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
}

func (t *TriageResult) clone() *TriageResult {
	if t == nil {
		return nil
	}
	c := *t
	c.RedFlags = copyStrings(t.RedFlags)
	return &c
}

func (r *ImagingResult) clone() *ImagingResult {
	if r == nil {
		return nil
	}
	c := *r
	c.CriticalFindings = copyFindings(r.CriticalFindings)
	c.SignificantFindings = copyFindings(r.SignificantFindings)
	return &c
}

func copyFindings(f []Finding) []Finding {
	if f == nil {
		return nil
	}
	out := make([]Finding, len(f))
	copy(out, f)
	return out
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
