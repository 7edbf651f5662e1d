package postgres

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// RequestStats attaches a ReqDBStats to every request and, once the handler
// returns, records the totals on the request span and in the request log.
// Requests that issued no queries are left alone.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))

		stats, _ := ReqDBStatsFromContext(ctx)
		count, total, errs := stats.Snapshot()
		if count == 0 {
			return
		}

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.Int("db.query_count", count),
				attribute.Float64("db.total_duration", total.Seconds()),
				attribute.Int("db.error_count", errs),
			)
		}
		log.FromContext(ctx).Info(ctx, "request db stats",
			"db.query_count", count,
			"db.total_duration", total.Seconds(),
			"db.error_count", errs,
		)
	})
}
