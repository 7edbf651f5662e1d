package triage

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/classifier"
)

const maxRawLogLen = 4000

// buildPrompt renders the single-turn triage prompt: persona, alert fields,
// optional classifier context and the JSON output contract.
func buildPrompt(al *alert.Alert, cv *classifier.Verdict) string {
	var b strings.Builder

	if cv != nil {
		writeClassifierContext(&b, cv)
	}

	b.WriteString("You are an expert cybersecurity analyst working in a Security Operations Center (SOC). ")
	b.WriteString("Analyze the following security alert and produce a structured triage assessment.\n\n")

	b.WriteString("**SECURITY ALERT:**\n")
	fmt.Fprintf(&b, "- Alert ID: %s\n", al.ID)
	if !al.Timestamp.IsZero() {
		fmt.Fprintf(&b, "- Timestamp: %s\n", al.Timestamp.UTC().Format(time.RFC3339))
	}
	if al.RuleID != "" {
		fmt.Fprintf(&b, "- Rule ID: %s\n", al.RuleID)
	}
	fmt.Fprintf(&b, "- Rule: %s\n", al.RuleDescription)
	fmt.Fprintf(&b, "- Rule Level: %d/%d\n", al.RuleLevel, alert.MaxLevel)
	writeEndpoint(&b, "Source", al.SourceIP, al.SourcePort)
	writeEndpoint(&b, "Destination", al.DestIP, al.DestPort)
	if al.SourceHostname != "" {
		fmt.Fprintf(&b, "- Host: %s\n", al.SourceHostname)
	}
	if al.User != "" {
		fmt.Fprintf(&b, "- User: %s\n", al.User)
	}
	if al.Process != "" {
		fmt.Fprintf(&b, "- Process: %s\n", al.Process)
	}
	if len(al.MitreTechniques) > 0 {
		fmt.Fprintf(&b, "- MITRE ATT&CK (from rule): %s\n", strings.Join(al.MitreTechniques, ", "))
	}
	if al.RawLog != "" {
		fmt.Fprintf(&b, "\n**RAW LOG:**\n%s\n", truncate(al.RawLog, maxRawLogLen))
	}

	b.WriteString("\n**ANALYSIS TASKS:**\n")
	b.WriteString("1. Determine severity and whether this is a true positive.\n")
	b.WriteString("2. Categorize the activity.\n")
	b.WriteString("3. Extract indicators of compromise (IPs, domains, hashes, users, file paths).\n")
	b.WriteString("4. Map to MITRE ATT&CK techniques and tactics.\n")
	b.WriteString("5. Recommend response actions ordered by priority.\n")

	b.WriteString("\n**OUTPUT FORMAT (JSON):**\n")
	b.WriteString("Respond with exactly one JSON object and no other text:\n")
	b.WriteString(`{
  "severity": "one of: ` + joinSeverities() + `",
  "category": "one of: ` + joinCategories() + `",
  "confidence": 0.0-1.0,
  "summary": "one sentence summary",
  "detailed_analysis": "technical analysis of the activity",
  "potential_impact": "what happens if this is real and ignored",
  "is_true_positive": true or false,
  "iocs": [{"ioc_type": "ip|domain|hash|user|file|url", "value": "...", "confidence": 0.0-1.0}],
  "mitre_techniques": ["T1110.001"],
  "mitre_tactics": ["TA0006"],
  "recommendations": [{"action": "...", "priority": 1, "rationale": "..."}],
  "investigation_priority": 1-5 (1 = investigate immediately)
}
`)

	return b.String()
}

func writeClassifierContext(b *strings.Builder, cv *classifier.Verdict) {
	b.WriteString("**ML MODEL PREDICTION:**\n")
	fmt.Fprintf(b, "- Prediction: %s\n", cv.Prediction)
	fmt.Fprintf(b, "- Confidence: %.2f%%\n", cv.Confidence*100)
	fmt.Fprintf(b, "- Model: %s\n", cv.ModelUsed)
	fmt.Fprintf(b, "- Inference Time: %.2fms\n", cv.InferenceTimeMS)

	if len(cv.Probabilities) > 0 {
		labels := make([]string, 0, len(cv.Probabilities))
		for label := range cv.Probabilities {
			labels = append(labels, label)
		}
		sort.Slice(labels, func(i, j int) bool {
			pi, pj := cv.Probabilities[labels[i]], cv.Probabilities[labels[j]]
			if pi != pj {
				return pi > pj
			}
			return labels[i] < labels[j]
		})

		b.WriteString("\n**Attack Type Probabilities:**\n")
		for _, label := range labels {
			fmt.Fprintf(b, "  - %s: %.2f%%\n", label, cv.Probabilities[label]*100)
		}
	}

	b.WriteString("\n**NOTE:** Use this ML prediction as additional context, but verify it against the alert data. ")
	b.WriteString("A confidence above 90% is a strong indicator of the attack type.\n\n---\n\n")
}

func writeEndpoint(b *strings.Builder, label, ip string, port int) {
	switch {
	case ip != "" && port > 0:
		fmt.Fprintf(b, "- %s: %s:%d\n", label, ip, port)
	case ip != "":
		fmt.Fprintf(b, "- %s: %s\n", label, ip)
	case port > 0:
		fmt.Fprintf(b, "- %s Port: %d\n", label, port)
	}
}

func joinSeverities() string {
	s := make([]string, len(Severities))
	for i, v := range Severities {
		s[i] = string(v)
	}
	return strings.Join(s, ", ")
}

func joinCategories() string {
	s := make([]string, len(Categories))
	for i, v := range Categories {
		s[i] = string(v)
	}
	return strings.Join(s, ", ")
}

// truncate shortens s to at most limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}
