package alertapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/triage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (a *API) handleGetTriage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.record.id", id))

	rec, ok, err := a.svc.Get(r.Context(), id)
	a.writeRecord(w, r, rec, ok, err, "id", id)
}

func (a *API) handleGetAlertVerdict(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.alert.id", alertID))

	rec, ok, err := a.svc.GetByAlertID(r.Context(), alertID)
	a.writeRecord(w, r, rec, ok, err, "alert_id", alertID)
}

func (a *API) writeRecord(w http.ResponseWriter, r *http.Request, rec *triage.Record, ok bool, err error, key, val string) {
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get verdict record", key, val)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type recordList struct {
	Records []*triage.Record `json:"records"`
	Count   int              `json:"count"`
}

func (a *API) handleListTriage(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+itoa(maxListLimit))
			return
		}
		limit = n
	}

	recs, err := a.svc.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list verdict records")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []*triage.Record{}
	}
	writeJSON(w, http.StatusOK, recordList{Records: recs, Count: len(recs)})
}

func itoa(n int) string { return strconv.Itoa(n) }
