package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/triage"
)

func testRecord() *triage.Record {
	conf := 0.88
	return &triage.Record{
		ID:              "01JN123",
		AlertID:         "1705155045.123456",
		RuleDescription: "Multiple failed login attempts",
		RuleLevel:       10,
		CreatedAt:       time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
		Verdict: &triage.Verdict{
			Severity:              triage.SeverityCritical,
			Category:              triage.CategoryIntrusionAttempt,
			Confidence:            0.9,
			Summary:               "SSH brute force against root.",
			DetailedAnalysis:      "Repeated failures from a single external address.",
			IsTruePositive:        true,
			IOCs:                  []triage.IOC{{Type: "ip", Value: "203.0.113.42", Confidence: 0.95}},
			MitreTechniques:       []string{"T1110"},
			Recommendations:       []triage.Recommendation{{Action: "Block 203.0.113.42", Priority: 1}},
			InvestigationPriority: 1,
			ModelUsed:             "foundation-sec-8b",
			MLPrediction:          "BRUTE_FORCE",
			MLConfidence:          &conf,
		},
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), testRecord()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, fields, divider, analysis, recommendations, indicators, context
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Multiple failed login attempts") {
		t.Errorf("header text = %q, want rule description", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Error("header should contain red circle for critical severity")
	}
	if !strings.Contains(headerText, "intrusion attempt") {
		t.Errorf("header text = %q, want category label", headerText)
	}
	if fallback, _ := got["text"].(string); fallback == "" {
		t.Error("expected top-level fallback text")
	}
}

func TestSend_NoOp(t *testing.T) {
	t.Parallel()

	if err := New("", log.Nop()).Send(context.Background(), testRecord()); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
	if err := New("http://127.0.0.1:1", log.Nop()).Send(context.Background(), &triage.Record{ID: "x"}); err != nil {
		t.Fatalf("Send without verdict should be no-op, got: %v", err)
	}
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL, log.Nop()).Send(context.Background(), testRecord())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestBuildMessage_TruncatesLongAnalysis(t *testing.T) {
	t.Parallel()

	r := testRecord()
	r.Verdict.DetailedAnalysis = strings.Repeat("x", 4000)

	msg := buildMessage(r)
	analysis := msg.Blocks[3].Text.Text
	if !strings.Contains(analysis, "...") {
		t.Error("expected truncated analysis to contain ...")
	}
	if len(analysis) > maxAnalysisLen+len(r.Verdict.Summary)+200 {
		t.Errorf("analysis block length = %d, too long", len(analysis))
	}
}

func TestBuildMessage_MinimalVerdict(t *testing.T) {
	t.Parallel()

	r := testRecord()
	r.Verdict.IOCs = nil
	r.Verdict.MitreTechniques = nil
	r.Verdict.Recommendations = nil

	// header, fields, divider, analysis, context
	if got := len(buildMessage(r).Blocks); got != 5 {
		t.Errorf("blocks count = %d, want 5", got)
	}
}

func TestRecommendationsText_Caps(t *testing.T) {
	t.Parallel()

	recs := make([]triage.Recommendation, 8)
	for i := range recs {
		recs[i] = triage.Recommendation{Action: "act", Priority: i + 1}
	}
	got := recommendationsText(recs)
	if !strings.Contains(got, "and 3 more") {
		t.Errorf("recommendationsText = %q, want overflow note", got)
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity triage.Severity
		want     string
	}{
		{triage.SeverityCritical, "\U0001f534"},
		{triage.SeverityHigh, "\U0001f7e0"},
		{triage.SeverityMedium, "\U0001f7e1"},
		{triage.SeverityLow, "\U0001f535"},
		{triage.SeverityInformational, "⚪"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			t.Parallel()
			if got := severityEmoji(tt.severity); got != tt.want {
				t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 20)
	got := truncate(s, 10)
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}
	if len(got) > 10 {
		t.Errorf("len = %d, want <= 10", len(got))
	}
}

func FuzzBuildMessage(f *testing.F) {
	f.Add("Multiple failed logins", "SSH brute force", strings.Repeat("x", 5000), "foundation-sec-8b")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "*bold* _italic_", "```code``` <http://example.com|link>", "m\x00del")

	f.Fuzz(func(t *testing.T, rule, summary, analysis, model string) {
		r := testRecord()
		r.RuleDescription = rule
		r.Verdict.Summary = summary
		r.Verdict.DetailedAnalysis = analysis
		r.Verdict.ModelUsed = model

		data, err := json.Marshal(buildMessage(r))
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
	})
}
