package triage

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStripFence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"whitespace", "  \n{\"a\":1}\n ", `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"fence without newline", "```json{\"a\":1}```", `{"a":1}`},
		{"upper case tag without newline", "```JSON{\"a\":1}```", `{"a":1}`},
		{"mixed case tag without newline", "```Json {\"a\":1}```", `{"a":1}`},
		{"upper case tag", "```JSON\n{\"a\":1}\n```", `{"a":1}`},
		{"unterminated fence", "```json\n{\"a\":1}", `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := stripFence(tt.in); got != tt.want {
				t.Errorf("stripFence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseVerdict_Valid(t *testing.T) {
	t.Parallel()

	v, err := parseVerdict(validAnswer)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.Severity != SeverityHigh {
		t.Errorf("Severity = %q", v.Severity)
	}
	if v.Category != CategoryIntrusionAttempt {
		t.Errorf("Category = %q", v.Category)
	}
	if v.InvestigationPriority != 2 {
		t.Errorf("InvestigationPriority = %d", v.InvestigationPriority)
	}
	if v.IOCs[0].Type != "ip" || v.IOCs[0].Confidence != 0.95 {
		t.Errorf("IOCs = %+v", v.IOCs)
	}
	if v.Recommendations[0] != (Recommendation{Action: "Block IP", Priority: 1, Rationale: "Stop attack"}) {
		t.Errorf("Recommendations = %+v", v.Recommendations)
	}
}

func TestParseVerdict_MinimalHasNonNilLists(t *testing.T) {
	t.Parallel()

	v, err := parseVerdict(`{
		"severity": "medium", "category": "anomaly", "confidence": 0.75,
		"summary": "Test", "detailed_analysis": "Test", "is_true_positive": false,
		"recommendations": [], "investigation_priority": 3
	}`)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.Recommendations == nil || v.IOCs == nil || v.MitreTechniques == nil || v.MitreTactics == nil {
		t.Errorf("lists must be non-nil: %+v", v)
	}
	if v.PotentialImpact != "" {
		t.Errorf("PotentialImpact = %q", v.PotentialImpact)
	}
}

func TestParseVerdict_Normalises(t *testing.T) {
	t.Parallel()

	answer := strings.NewReplacer(
		`"severity": "high"`, `"severity": "  HIGH "`,
		`"category": "intrusion_attempt"`, `"category": "Intrusion-Attempt"`,
	).Replace(validAnswer)

	v, err := parseVerdict(answer)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.Severity != SeverityHigh || v.Category != CategoryIntrusionAttempt {
		t.Errorf("got %s/%s", v.Severity, v.Category)
	}
}

func TestParseVerdict_Rejects(t *testing.T) {
	t.Parallel()

	replace := func(old, repl string) string {
		if !strings.Contains(validAnswer, old) {
			t.Fatalf("fixture does not contain %q", old)
		}
		return strings.Replace(validAnswer, old, repl, 1)
	}

	tests := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"not json", "This is not valid JSON", "decode"},
		{"empty", "   ", "empty"},
		{"array", `[1,2]`, "Invalid type"},
		{"null", `null`, "Invalid type"},
		{"trailing data", validAnswer + ` {"x":1}`, "trailing"},
		{"trailing prose", validAnswer + "\nHope this helps!", "trailing"},
		{"missing severity", replace(`"severity": "high",`, ""), "severity is required"},
		{"unknown severity", replace(`"severity": "high"`, `"severity": "severe"`), "unknown severity"},
		{"unknown category", replace(`"category": "intrusion_attempt"`, `"category": "ransomware"`), "unknown category"},
		{"severity wrong type", replace(`"severity": "high"`, `"severity": 4`), "severity: Invalid type"},
		{"confidence too high", replace(`"confidence": 0.92`, `"confidence": 1.2`), "confidence"},
		{"confidence as string", replace(`"confidence": 0.92`, `"confidence": "0.92"`), "confidence: Invalid type"},
		{"missing summary", replace(`"summary": "SSH brute force attack detected",`, ""), "summary is required"},
		{"missing true positive", replace(`"is_true_positive": true,`, ""), "is_true_positive is required"},
		{"missing recommendations", replace(`"recommendations": [{"action": "Block IP", "priority": 1, "rationale": "Stop attack"}],`, ""), "recommendations is required"},
		{"recommendation without action", replace(`"action": "Block IP", `, ""), "action is required"},
		{"recommendation blank action", replace(`"action": "Block IP"`, `"action": "  "`), "recommendations.0.action"},
		{"recommendation fractional priority", replace(`"priority": 1,`, `"priority": 1.5,`), "recommendations.0.priority"},
		{"priority out of range", replace(`"investigation_priority": 2`, `"investigation_priority": 9`), "investigation_priority"},
		{"priority zero", replace(`"investigation_priority": 2`, `"investigation_priority": 0`), "investigation_priority"},
		{"ioc confidence out of range", replace(`"confidence": 0.95`, `"confidence": 3`), "iocs.0.confidence"},
		{"ioc without value", replace(`"value": "203.0.113.42", `, ""), "value is required"},
		{"recommendations null", replace(`"recommendations": [{"action": "Block IP", "priority": 1, "rationale": "Stop attack"}]`, `"recommendations": null`), "recommendations: Invalid type"},
		{"techniques wrong type", replace(`"mitre_techniques": ["T1110.001"]`, `"mitre_techniques": "T1110.001"`), "mitre_techniques"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := parseVerdict(tt.in)
			if err == nil {
				t.Fatalf("expected error, got verdict %+v", v)
			}
			if v != nil {
				t.Error("verdict must be nil on error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseVerdict_AcceptsWholeFloatPriority(t *testing.T) {
	t.Parallel()

	answer := strings.Replace(validAnswer, `"investigation_priority": 2`, `"investigation_priority": 2.0`, 1)
	v, err := parseVerdict(answer)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.InvestigationPriority != 2 {
		t.Errorf("InvestigationPriority = %d", v.InvestigationPriority)
	}
}

func TestParseVerdict_UpperCaseFence(t *testing.T) {
	t.Parallel()

	v, err := parseVerdict("```JSON" + validAnswer + "```")
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.Severity != SeverityHigh {
		t.Errorf("Severity = %q", v.Severity)
	}
}

func TestParseVerdict_NullOptionalFields(t *testing.T) {
	t.Parallel()

	answer := strings.NewReplacer(
		`"potential_impact": "Account compromise risk"`, `"potential_impact": null`,
		`"mitre_tactics": ["TA0006"]`, `"mitre_tactics": null`,
	).Replace(validAnswer)

	v, err := parseVerdict(answer)
	if err != nil {
		t.Fatalf("parseVerdict: %v", err)
	}
	if v.PotentialImpact != "" || v.MitreTactics == nil || len(v.MitreTactics) != 0 {
		t.Errorf("got impact %q tactics %v", v.PotentialImpact, v.MitreTactics)
	}
}

func TestVerdictSchemaCoversPromptContract(t *testing.T) {
	t.Parallel()

	var doc struct {
		Required   []string       `json:"required"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(verdictSchemaJSON, &doc); err != nil {
		t.Fatalf("schema: %v", err)
	}
	prompt := buildPrompt(testAlert(), nil)
	for name := range doc.Properties {
		if !strings.Contains(prompt, `"`+name+`"`) {
			t.Errorf("schema property %q is not described in the prompt", name)
		}
	}
	for _, name := range doc.Required {
		if _, ok := doc.Properties[name]; !ok {
			t.Errorf("required %q has no property", name)
		}
	}
}
