// Package slack posts triage verdicts to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/triage"
)

const (
	maxAnalysisLen = 2500
	maxListItems   = 5
	httpTimeout    = 10 * time.Second
)

// Notifier sends verdict records to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Name implements triage.Notifier.
func (n *Notifier) Name() string { return "slack" }

// Send posts the record to the configured webhook.
func (n *Notifier) Send(ctx context.Context, r *triage.Record) error {
	if n.webhookURL == "" || r == nil || r.Verdict == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(r))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "record_id", r.ID, "alert_id", r.AlertID, "severity", r.Verdict.Severity)
	return nil
}

type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Fields   []text `json:"fields,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) text { return text{Type: "mrkdwn", Text: s} }

func buildMessage(r *triage.Record) message {
	v := r.Verdict
	title := fmt.Sprintf("%s %s %s: %s", severityEmoji(v.Severity), strings.ToUpper(string(v.Severity)), categoryLabel(v.Category), r.RuleDescription)

	blocks := []block{
		{Type: "header", Text: &text{Type: "plain_text", Text: truncate(title, 150)}},
		{Type: "section", Fields: []text{
			mrkdwn(fmt.Sprintf("*Alert:* %s", r.AlertID)),
			mrkdwn(fmt.Sprintf("*Rule level:* %d", r.RuleLevel)),
			mrkdwn(fmt.Sprintf("*Confidence:* %.0f%%", v.Confidence*100)),
			mrkdwn(fmt.Sprintf("*Priority:* %d", v.InvestigationPriority)),
			mrkdwn(fmt.Sprintf("*True positive:* %t", v.IsTruePositive)),
			mrkdwn(fmt.Sprintf("*Model:* %s", v.ModelUsed)),
		}},
		{Type: "divider"},
		{Type: "section", Text: ptr(mrkdwn(analysisText(v)))},
	}

	if len(v.Recommendations) > 0 {
		blocks = append(blocks, block{Type: "section", Text: ptr(mrkdwn(recommendationsText(v.Recommendations)))})
	}
	if len(v.IOCs) > 0 || len(v.MitreTechniques) > 0 {
		blocks = append(blocks, block{Type: "section", Text: ptr(mrkdwn(indicatorsText(v)))})
	}

	blocks = append(blocks, block{Type: "context", Elements: []text{
		mrkdwn(fmt.Sprintf("warden • verdict %s • %s", r.ID, r.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))),
	}})

	return message{Text: title, Blocks: blocks}
}

func analysisText(v *triage.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Summary*\n%s", v.Summary)
	if a := truncate(v.DetailedAnalysis, maxAnalysisLen); a != "" {
		fmt.Fprintf(&b, "\n\n*Analysis*\n%s", a)
	}
	if v.MLPrediction != "" {
		fmt.Fprintf(&b, "\n\n_Classifier: %s", v.MLPrediction)
		if v.MLConfidence != nil {
			fmt.Fprintf(&b, " (%.0f%%)", *v.MLConfidence*100)
		}
		b.WriteString("_")
	}
	return b.String()
}

func recommendationsText(recs []triage.Recommendation) string {
	var b strings.Builder
	b.WriteString("*Recommended actions*")
	for i, rec := range recs {
		if i == maxListItems {
			fmt.Fprintf(&b, "\n_and %d more_", len(recs)-maxListItems)
			break
		}
		fmt.Fprintf(&b, "\n%d. %s", rec.Priority, rec.Action)
	}
	return b.String()
}

func indicatorsText(v *triage.Verdict) string {
	var b strings.Builder
	b.WriteString("*Indicators*")
	for i, ioc := range v.IOCs {
		if i == maxListItems {
			break
		}
		fmt.Fprintf(&b, "\n• `%s` %s", ioc.Value, ioc.Type)
	}
	if len(v.MitreTechniques) > 0 {
		fmt.Fprintf(&b, "\nMITRE: %s", strings.Join(v.MitreTechniques, ", "))
	}
	return b.String()
}

func severityEmoji(s triage.Severity) string {
	switch s {
	case triage.SeverityCritical:
		return "\U0001f534" // red circle
	case triage.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case triage.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	case triage.SeverityLow:
		return "\U0001f535" // blue circle
	default:
		return "⚪" // white circle
	}
}

func categoryLabel(c triage.Category) string {
	return strings.ReplaceAll(string(c), "_", " ")
}

func ptr[T any](v T) *T { return &v }

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
