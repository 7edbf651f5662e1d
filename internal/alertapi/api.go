// Package alertapi exposes the triage pipeline, verdict history, the Wazuh
// integration hook and the knowledge base over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/enrich"
	"github.com/linnemanlabs/warden/internal/knowledge"
	"github.com/linnemanlabs/warden/internal/triage"
)

// maxBody bounds request bodies. Batches and document uploads need more than
// the single-alert endpoints, so the limit is per-API rather than per-route.
const maxBody = 8 << 20

// TriageService defines the business operations alertapi needs.
type TriageService interface {
	AnalyzeOne(ctx context.Context, al *alert.Alert) (*triage.Verdict, error)
	AnalyzeBatch(ctx context.Context, alerts []*alert.Alert) *triage.BatchResult
	Get(ctx context.Context, id string) (*triage.Record, bool, error)
	GetByAlertID(ctx context.Context, alertID string) (*triage.Record, bool, error)
	Recent(ctx context.Context, limit int) ([]*triage.Record, error)
}

// Enricher runs the Wazuh integration flow.
type Enricher interface {
	Process(ctx context.Context, al *alert.Alert) (*enrich.EnrichedAlert, error)
}

// KnowledgeService is the knowledge base surface.
type KnowledgeService interface {
	Query(ctx context.Context, collection, text string, topK int, minSimilarity float64) ([]knowledge.Result, error)
	Ingest(ctx context.Context, collection string, docs []knowledge.Document) (int, error)
	Collections(ctx context.Context) ([]knowledge.Collection, error)
}

// Probe reports on one dependency for /status. A failing required probe
// degrades the service; a failing optional one makes it partial.
type Probe struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) bool
}

// Deps are the collaborators of the API. Triage is required; the webhook and
// knowledge routes answer 503 when their dependency is absent.
type Deps struct {
	Triage    TriageService
	Enricher  Enricher
	Knowledge KnowledgeService
	Probes    []Probe
	Version   string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       TriageService
	enricher  Enricher
	knowledge KnowledgeService
	probes    []Probe
	version   string
}

// New creates a new API handler.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if deps.Triage == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger:    logger,
		svc:       deps.Triage,
		enricher:  deps.Enricher,
		knowledge: deps.Knowledge,
		probes:    deps.Probes,
		version:   deps.Version,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", a.handleAnalyze)
		r.Post("/batch", a.handleBatch)

		r.Get("/triage", a.handleListTriage)
		r.Get("/triage/{id}", a.handleGetTriage)
		r.Get("/alerts/{alertID}/verdict", a.handleGetAlertVerdict)

		r.Post("/webhook/wazuh", a.handleWazuhWebhook)

		r.Route("/knowledge", func(r chi.Router) {
			r.Post("/retrieve", a.handleRetrieve)
			r.Get("/collections", a.handleCollections)
			r.Post("/{collection}/documents", a.handleIngestDocuments)
		})

		r.Get("/status", a.handleStatus)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON body into v. It returns false after writing a 400 or
// 413 response.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

// writeAnalysisError maps service errors onto status codes without leaking
// internals.
func (a *API) writeAnalysisError(w http.ResponseWriter, r *http.Request, err error, alertID string) {
	switch {
	case errors.Is(err, triage.ErrInvalidAlert):
		writeError(w, http.StatusBadRequest, "invalid alert")
	case errors.Is(err, triage.ErrAnalysisUnavailable):
		a.logger.Warn(r.Context(), "analysis unavailable", "alert_id", alertID)
		writeError(w, http.StatusServiceUnavailable, "analysis unavailable")
	default:
		a.logger.Error(r.Context(), err, "analysis failed", "alert_id", alertID)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
