package triage

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the closed set of triage severities.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

// Severities lists the allowed values, most severe first.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInformational}

// ParseSeverity maps s onto the enum. Case, surrounding whitespace and
// space or hyphen separators are ignored. Anything else is rejected.
func ParseSeverity(s string) (Severity, bool) {
	n := Severity(normalizeEnum(s))
	for _, v := range Severities {
		if v == n {
			return v, true
		}
	}
	return "", false
}

// Rank orders severities for threshold checks: critical is 5,
// informational is 1, unknown values are 0.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return len(Severities) - i
		}
	}
	return 0
}

// UnmarshalText rejects values outside the enum.
func (s *Severity) UnmarshalText(b []byte) error {
	v, ok := ParseSeverity(string(b))
	if !ok {
		return fmt.Errorf("unknown severity %q", string(b))
	}
	*s = v
	return nil
}

// Category is the closed set of alert categories.
type Category string

const (
	CategoryMalware             Category = "malware"
	CategoryIntrusionAttempt    Category = "intrusion_attempt"
	CategoryDataExfiltration    Category = "data_exfiltration"
	CategoryPrivilegeEscalation Category = "privilege_escalation"
	CategoryLateralMovement     Category = "lateral_movement"
	CategoryDenialOfService     Category = "denial_of_service"
	CategoryPolicyViolation     Category = "policy_violation"
	CategoryAnomaly             Category = "anomaly"
	CategoryOther               Category = "other"
)

// Categories lists the allowed values.
var Categories = []Category{
	CategoryMalware,
	CategoryIntrusionAttempt,
	CategoryDataExfiltration,
	CategoryPrivilegeEscalation,
	CategoryLateralMovement,
	CategoryDenialOfService,
	CategoryPolicyViolation,
	CategoryAnomaly,
	CategoryOther,
}

// ParseCategory maps s onto the enum with the same normalisation as
// ParseSeverity.
func ParseCategory(s string) (Category, bool) {
	n := Category(normalizeEnum(s))
	for _, v := range Categories {
		if v == n {
			return v, true
		}
	}
	return "", false
}

// UnmarshalText rejects values outside the enum.
func (c *Category) UnmarshalText(b []byte) error {
	v, ok := ParseCategory(string(b))
	if !ok {
		return fmt.Errorf("unknown category %q", string(b))
	}
	*c = v
	return nil
}

var enumReplacer = strings.NewReplacer(" ", "_", "-", "_")

func normalizeEnum(s string) string {
	return enumReplacer.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// IOC is an indicator of compromise extracted from the alert.
type IOC struct {
	Type       string  `json:"ioc_type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Recommendation is one response action. Lower priority numbers come first.
type Recommendation struct {
	Action    string `json:"action"`
	Priority  int    `json:"priority"`
	Rationale string `json:"rationale"`
}

// Verdict is the structured outcome of analysing one alert. A Verdict always
// carries a severity, category, confidence and a non-nil recommendation list.
type Verdict struct {
	AlertID               string           `json:"alert_id"`
	Severity              Severity         `json:"severity"`
	Category              Category         `json:"category"`
	Confidence            float64          `json:"confidence"`
	Summary               string           `json:"summary"`
	DetailedAnalysis      string           `json:"detailed_analysis"`
	PotentialImpact       string           `json:"potential_impact"`
	IsTruePositive        bool             `json:"is_true_positive"`
	IOCs                  []IOC            `json:"iocs"`
	MitreTechniques       []string         `json:"mitre_techniques"`
	MitreTactics          []string         `json:"mitre_tactics"`
	Recommendations       []Recommendation `json:"recommendations"`
	InvestigationPriority int              `json:"investigation_priority"`
	ModelUsed             string           `json:"model_used"`
	MLPrediction          string           `json:"ml_prediction,omitempty"`
	MLConfidence          *float64         `json:"ml_confidence,omitempty"`
	ProcessingTimeMS      int64            `json:"processing_time_ms"`
	AnalyzedAt            time.Time        `json:"analyzed_at"`
}

// Record is a verdict as kept in the history store.
type Record struct {
	ID              string    `json:"id"`
	AlertID         string    `json:"alert_id"`
	RuleDescription string    `json:"rule_description"`
	RuleLevel       int       `json:"rule_level"`
	Verdict         *Verdict  `json:"verdict"`
	CreatedAt       time.Time `json:"created_at"`
}

// BatchError describes one alert a batch could not analyse.
type BatchError struct {
	AlertID string `json:"alert_id"`
	Error   string `json:"error"`
}

// BatchResult is the outcome of a batch. Total always equals the input
// length and Successful+Failed equals Total.
type BatchResult struct {
	BatchID               string       `json:"batch_id"`
	Total                 int          `json:"total"`
	Successful            int          `json:"successful"`
	Failed                int          `json:"failed"`
	ProcessingTimeSeconds float64      `json:"processing_time_seconds"`
	Results               []*Verdict   `json:"results"`
	Errors                []BatchError `json:"errors"`
}
