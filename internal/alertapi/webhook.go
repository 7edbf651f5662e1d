package alertapi

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/enrich"
)

// handleWazuhWebhook receives an alert from the Wazuh integratord hook,
// converts it and runs the enrichment flow.
func (a *API) handleWazuhWebhook(w http.ResponseWriter, r *http.Request) {
	if a.enricher == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook processing not configured")
		return
	}

	var wa alert.WazuhAlert
	if !decode(w, r, &wa) {
		return
	}
	al := alert.FromWazuh(&wa)
	if err := al.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("warden.alert.id", al.ID),
		attribute.String("warden.alert.rule_id", al.RuleID),
		attribute.Int("warden.alert.rule_level", al.RuleLevel),
	)
	a.logger.Info(r.Context(), "wazuh alert received", "alert_id", al.ID, "rule_id", al.RuleID, "rule_level", al.RuleLevel)

	out, err := a.enricher.Process(r.Context(), al)
	if err != nil {
		if errors.Is(err, enrich.ErrBelowThreshold) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.writeAnalysisError(w, r, err, al.ID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
