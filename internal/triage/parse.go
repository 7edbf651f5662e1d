package triage

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed verdict.schema.json
var verdictSchemaJSON []byte

// rawVerdict mirrors the model's JSON answer once it has passed the schema.
// Priorities are decoded as floats so whole-number floats such as 2.0 are
// accepted.
type rawVerdict struct {
	Severity              string              `json:"severity"`
	Category              string              `json:"category"`
	Confidence            float64             `json:"confidence"`
	Summary               string              `json:"summary"`
	DetailedAnalysis      string              `json:"detailed_analysis"`
	PotentialImpact       string              `json:"potential_impact"`
	IsTruePositive        bool                `json:"is_true_positive"`
	IOCs                  []rawIOC            `json:"iocs"`
	MitreTechniques       []string            `json:"mitre_techniques"`
	MitreTactics          []string            `json:"mitre_tactics"`
	Recommendations       []rawRecommendation `json:"recommendations"`
	InvestigationPriority float64             `json:"investigation_priority"`
}

type rawIOC struct {
	Type       string  `json:"ioc_type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type rawRecommendation struct {
	Action    string  `json:"action"`
	Priority  float64 `json:"priority"`
	Rationale string  `json:"rationale"`
}

// stripFence removes a markdown code fence wrapped around the answer. The
// opening fence line (with any language tag) and the closing fence are
// dropped; unfenced input is returned trimmed.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		// single-line fence: drop a language tag of any case
		s = strings.TrimLeftFunc(s, func(r rune) bool {
			return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z')
		})
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// verdictSchema is the output contract the prompt asks the model to follow.
var verdictSchema = mustSchema(verdictSchemaJSON)

func mustSchema(b []byte) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		panic(fmt.Sprintf("triage: load verdict schema: %v", err))
	}
	return schema
}

// parseVerdict strictly decodes a model answer. The answer must be a single
// JSON object matching verdictSchema with known severity and category values.
// The returned verdict has only the model-derived fields set.
func parseVerdict(raw string) (*Verdict, error) {
	body := stripFence(raw)
	if body == "" {
		return nil, errors.New("empty answer")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var doc json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}

	result, err := verdictSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate answer: %w", err)
	}
	if !result.Valid() {
		return nil, schemaErrors(result)
	}

	var rv rawVerdict
	if err := json.Unmarshal(doc, &rv); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}

	var errs []error
	sev, ok := ParseSeverity(rv.Severity)
	if !ok {
		errs = append(errs, fmt.Errorf("unknown severity %q", rv.Severity))
	}
	cat, ok := ParseCategory(rv.Category)
	if !ok {
		errs = append(errs, fmt.Errorf("unknown category %q", rv.Category))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	v := &Verdict{
		Severity:              sev,
		Category:              cat,
		Confidence:            rv.Confidence,
		Summary:               rv.Summary,
		DetailedAnalysis:      rv.DetailedAnalysis,
		PotentialImpact:       rv.PotentialImpact,
		IsTruePositive:        rv.IsTruePositive,
		IOCs:                  make([]IOC, 0, len(rv.IOCs)),
		MitreTechniques:       nonNil(rv.MitreTechniques),
		MitreTactics:          nonNil(rv.MitreTactics),
		Recommendations:       make([]Recommendation, 0, len(rv.Recommendations)),
		InvestigationPriority: int(rv.InvestigationPriority),
	}
	for _, r := range rv.IOCs {
		v.IOCs = append(v.IOCs, IOC{Type: r.Type, Value: r.Value, Confidence: r.Confidence})
	}
	for _, r := range rv.Recommendations {
		v.Recommendations = append(v.Recommendations, Recommendation{
			Action:    r.Action,
			Priority:  int(r.Priority),
			Rationale: r.Rationale,
		})
	}
	return v, nil
}

// schemaErrors flattens a failed validation into one error per violation.
func schemaErrors(result *gojsonschema.Result) error {
	errs := make([]error, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, errors.New(desc.String()))
	}
	return errors.Join(errs...)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
