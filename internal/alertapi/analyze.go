package alertapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/triage"
)

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var al alert.Alert
	if !decode(w, r, &al) {
		return
	}
	if err := al.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.alert.id", al.ID),
		attribute.Int("warden.alert.rule_level", al.RuleLevel),
	)

	v, err := a.svc.AnalyzeOne(r.Context(), &al)
	if err != nil {
		a.writeAnalysisError(w, r, err, al.ID)
		return
	}

	span.SetAttributes(attribute.String("warden.verdict.severity", string(v.Severity)))
	writeJSON(w, http.StatusOK, v)
}

// handleBatch analyses a list of alerts. Items failing validation are
// reported as batch errors next to analysis failures, so the response is
// always 200 once the body decodes.
func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var alerts []*alert.Alert
	if !decode(w, r, &alerts) {
		return
	}

	valid := make([]*alert.Alert, 0, len(alerts))
	var rejected []triage.BatchError
	for i, al := range alerts {
		if al == nil {
			rejected = append(rejected, triage.BatchError{Error: "alert " + itoa(i) + " is null"})
			continue
		}
		if err := al.Validate(); err != nil {
			rejected = append(rejected, triage.BatchError{AlertID: al.ID, Error: err.Error()})
			continue
		}
		valid = append(valid, al)
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("warden.batch.size", len(alerts)),
		attribute.Int("warden.batch.rejected", len(rejected)),
	)

	res := a.svc.AnalyzeBatch(r.Context(), valid)
	res.Total += len(rejected)
	res.Failed += len(rejected)
	res.Errors = append(res.Errors, rejected...)

	writeJSON(w, http.StatusOK, res)
}
