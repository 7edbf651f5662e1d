package triage

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Severity
		ok   bool
	}{
		{"critical", SeverityCritical, true},
		{"HIGH", SeverityHigh, true},
		{" Medium ", SeverityMedium, true},
		{"low", SeverityLow, true},
		{"informational", SeverityInformational, true},
		{"info", "", false},
		{"severe", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseSeverity(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseSeverity(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"malware", CategoryMalware, true},
		{"Intrusion Attempt", CategoryIntrusionAttempt, true},
		{"data-exfiltration", CategoryDataExfiltration, true},
		{"PRIVILEGE_ESCALATION", CategoryPrivilegeEscalation, true},
		{"lateral movement", CategoryLateralMovement, true},
		{"denial_of_service", CategoryDenialOfService, true},
		{"policy_violation", CategoryPolicyViolation, true},
		{"anomaly", CategoryAnomaly, true},
		{"other", CategoryOther, true},
		{"intrusion", "", false},
		{"phishing", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseCategory(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseCategory(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSeverityRank(t *testing.T) {
	t.Parallel()

	if !(SeverityCritical.Rank() > SeverityHigh.Rank() &&
		SeverityHigh.Rank() > SeverityMedium.Rank() &&
		SeverityMedium.Rank() > SeverityLow.Rank() &&
		SeverityLow.Rank() > SeverityInformational.Rank() &&
		SeverityInformational.Rank() > Severity("bogus").Rank()) {
		t.Error("severity ranks are not strictly ordered")
	}
}

func TestVerdict_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	mlConf := 0.94
	in := &Verdict{
		AlertID:               "test-002",
		Severity:              SeverityCritical,
		Category:              CategoryMalware,
		Confidence:            0.88,
		Summary:               "Malware detected",
		DetailedAnalysis:      "Suspicious process execution",
		PotentialImpact:       "System compromise",
		IsTruePositive:        true,
		IOCs:                  []IOC{{Type: "hash", Value: "d41d8cd98f00b204e9800998ecf8427e", Confidence: 0.7}},
		MitreTechniques:       []string{"T1059"},
		MitreTactics:          []string{"TA0002"},
		Recommendations:       []Recommendation{{Action: "Isolate host", Priority: 1, Rationale: "Contain spread"}},
		InvestigationPriority: 1,
		ModelUsed:             DefaultFallbackModel,
		MLPrediction:          "DoS",
		MLConfidence:          &mlConf,
		ProcessingTimeMS:      1532,
		AnalyzedAt:            time.Date(2025, 1, 13, 14, 31, 0, 0, time.UTC),
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Verdict
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, &out) {
		t.Errorf("round trip mismatch:\n in=%+v\nout=%+v", in, &out)
	}
}

func TestVerdict_UnmarshalRejectsUnknownEnum(t *testing.T) {
	t.Parallel()

	var v Verdict
	if err := json.Unmarshal([]byte(`{"severity":"apocalyptic"}`), &v); err == nil {
		t.Error("expected error for unknown severity")
	}
	if err := json.Unmarshal([]byte(`{"category":"weird"}`), &v); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestVerdict_OmitsEmptyMLFields(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(&Verdict{Severity: SeverityLow, Category: CategoryOther, Recommendations: []Recommendation{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if _, ok := raw["ml_prediction"]; ok {
		t.Error("ml_prediction should be omitted")
	}
	if _, ok := raw["ml_confidence"]; ok {
		t.Error("ml_confidence should be omitted")
	}
	if recs, ok := raw["recommendations"].([]any); !ok || len(recs) != 0 {
		t.Errorf("recommendations = %v, want []", raw["recommendations"])
	}
}
