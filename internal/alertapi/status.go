package alertapi

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Aggregate states reported by /status.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusPartial  = "partial"
)

const probeTimeout = 5 * time.Second

type statusResponse struct {
	Status       string          `json:"status"`
	Service      string          `json:"service"`
	Version      string          `json:"version,omitempty"`
	Dependencies map[string]bool `json:"dependencies"`
}

// handleStatus runs all probes concurrently. A failed required probe makes the
// service degraded; a failed optional one makes it partial. Always 200 so
// callers can read the breakdown.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	results := make([]bool, len(a.probes))
	var wg sync.WaitGroup
	for i, p := range a.probes {
		wg.Go(func() {
			results[i] = p.Check(ctx)
		})
	}
	wg.Wait()

	resp := statusResponse{
		Status:       StatusHealthy,
		Service:      "warden",
		Version:      a.version,
		Dependencies: make(map[string]bool, len(a.probes)),
	}
	for i, p := range a.probes {
		resp.Dependencies[p.Name] = results[i]
		if results[i] {
			continue
		}
		if p.Required {
			resp.Status = StatusDegraded
		} else if resp.Status == StatusHealthy {
			resp.Status = StatusPartial
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
