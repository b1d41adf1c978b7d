package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/tickloom/tickloom/server/store"
)

// Latency records per-route request latency into minute buckets. Routes
// come from the matched ServeMux pattern so path parameters collapse
// into one series. Recording is fire-and-forget; a slow store must not
// slow the response.
func Latency(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			route := r.Pattern
			if route == "" {
				route = r.Method + " (unmatched)"
			}
			durMS := time.Since(start).Milliseconds()
			bucket := start.UTC().Truncate(time.Minute)

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				// Best effort; latency rows are advisory.
				_ = st.RecordAPILatency(ctx, route, bucket, durMS)
			}()
		})
	}
}
