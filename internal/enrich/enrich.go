// Package enrich combines a triage verdict with knowledge-base context for
// alerts arriving from the intrusion-detection manager's integration hook.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/knowledge"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMinSeverity   = 7
	DefaultRAGThreshold  = 8
	DefaultTopK          = 3
	DefaultMinSimilarity = 0.5
	DefaultRAGTimeout    = 10 * time.Second

	maxContextLen    = 500
	contextSeparator = "\n---\n"
)

// ErrBelowThreshold is returned for alerts under the minimum rule level.
var ErrBelowThreshold = errors.New("alert below minimum severity")

// Analyzer produces a verdict for one alert.
type Analyzer interface {
	AnalyzeOne(ctx context.Context, al *alert.Alert) (*triage.Verdict, error)
}

// Retriever queries the knowledge base.
type Retriever interface {
	Query(ctx context.Context, collection, text string, topK int, minSimilarity float64) ([]knowledge.Result, error)
}

// Options configure the Enricher.
type Options struct {
	MinSeverity   int
	RAGThreshold  int
	TopK          int
	MinSimilarity float64
	RAGTimeout    time.Duration
	Collection    string
}

// EnrichedAlert is a verdict plus the knowledge context retrieved for it.
type EnrichedAlert struct {
	AlertID              string          `json:"alert_id"`
	RuleLevel            int             `json:"rule_level"`
	RuleDescription      string          `json:"rule_description"`
	Verdict              *triage.Verdict `json:"verdict"`
	MitreContext         string          `json:"mitre_context,omitempty"`
	KBReferences         []string        `json:"kb_references,omitempty"`
	RAGEnrichmentApplied bool            `json:"rag_enrichment_applied"`
	ProcessingTimestamp  time.Time       `json:"processing_timestamp"`
}

// Enricher runs the integration flow: threshold, triage, retrieval.
type Enricher struct {
	analyzer  Analyzer
	retriever Retriever
	opts      Options
	logger    log.Logger
}

// New creates an Enricher. retriever may be nil, in which case no alert is
// ever enriched with knowledge context.
func New(analyzer Analyzer, retriever Retriever, opts Options, logger log.Logger) *Enricher {
	if analyzer == nil {
		panic(xerrors.New("enrich.New: analyzer is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.MinSeverity <= 0 {
		opts.MinSeverity = DefaultMinSeverity
	}
	if opts.RAGThreshold <= 0 {
		opts.RAGThreshold = DefaultRAGThreshold
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = DefaultMinSimilarity
	}
	if opts.RAGTimeout <= 0 {
		opts.RAGTimeout = DefaultRAGTimeout
	}
	if opts.Collection == "" {
		opts.Collection = knowledge.CollectionMITRE
	}
	return &Enricher{analyzer: analyzer, retriever: retriever, opts: opts, logger: logger}
}

// Process triages the alert and, for alerts at or above the retrieval
// threshold, attaches MITRE ATT&CK context. Retrieval failures degrade to an
// unenriched result; triage failures are returned as-is.
func (e *Enricher) Process(ctx context.Context, al *alert.Alert) (*EnrichedAlert, error) {
	if al == nil {
		return nil, triage.ErrInvalidAlert
	}
	if al.RuleLevel < e.opts.MinSeverity {
		e.logger.Info(ctx, "alert filtered by severity", "alert_id", al.ID, "rule_level", al.RuleLevel, "min_severity", e.opts.MinSeverity)
		return nil, fmt.Errorf("%w: level %d < %d", ErrBelowThreshold, al.RuleLevel, e.opts.MinSeverity)
	}

	v, err := e.analyzer.AnalyzeOne(ctx, al)
	if err != nil {
		return nil, err
	}

	out := &EnrichedAlert{
		AlertID:         al.ID,
		RuleLevel:       al.RuleLevel,
		RuleDescription: al.RuleDescription,
		Verdict:         v,
	}

	if e.retriever != nil && al.RuleLevel >= e.opts.RAGThreshold {
		e.applyKnowledge(ctx, al, out)
	}

	out.ProcessingTimestamp = time.Now().UTC()
	e.logger.Info(ctx, "alert processing complete",
		"alert_id", al.ID,
		"severity", v.Severity,
		"is_true_positive", v.IsTruePositive,
		"rag_enriched", out.RAGEnrichmentApplied,
	)
	return out, nil
}

func (e *Enricher) applyKnowledge(ctx context.Context, al *alert.Alert, out *EnrichedAlert) {
	rctx, cancel := context.WithTimeout(ctx, e.opts.RAGTimeout)
	defer cancel()

	results, err := e.retriever.Query(rctx, e.opts.Collection, Query(al), e.opts.TopK, e.opts.MinSimilarity)
	if err != nil {
		e.logger.Warn(ctx, "knowledge enrichment failed", "alert_id", al.ID, "collection", e.opts.Collection, "err", err)
		return
	}

	out.RAGEnrichmentApplied = true
	out.MitreContext, out.KBReferences = summarize(results, e.opts.TopK)
	e.logger.Info(ctx, "knowledge enrichment complete", "alert_id", al.ID, "sources_found", len(results))
}

// Query builds the retrieval text for an alert: the rule description followed
// by one "MITRE <id>" term per mapped technique.
func Query(al *alert.Alert) string {
	parts := make([]string, 0, 1+len(al.MitreTechniques))
	parts = append(parts, al.RuleDescription)
	for _, t := range al.MitreTechniques {
		parts = append(parts, "MITRE "+t)
	}
	return strings.Join(parts, " ")
}

// summarize joins the top documents (each capped) and collects their
// technique IDs.
func summarize(results []knowledge.Result, limit int) (string, []string) {
	var (
		parts []string
		refs  []string
	)
	for i, r := range results {
		if i == limit {
			break
		}
		if r.Document != "" {
			parts = append(parts, truncate(r.Document, maxContextLen))
		}
		if id, ok := r.Metadata["technique_id"].(string); ok && id != "" {
			refs = append(refs, id)
		}
	}
	return strings.Join(parts, contextSeparator), refs
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
