// Package idempotency makes mutating endpoints replay-safe. The first
// request to present a key claims it with a placeholder row, runs the
// handler and stores the response; replays get the stored response back
// byte for byte. Records are scoped per organization and purged by the
// janitor after 24 hours.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tickloom/tickloom/server/middleware"
	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/store"
)

// Header carries the client-chosen idempotency key.
const Header = "Idempotency-Key"

const (
	maxKeyLen    = 255
	pollInterval = 250 * time.Millisecond
)

// Wrapper for capturing the response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// Wrap guards next with idempotency key handling. Requests without the
// header pass straight through. wait bounds how long a concurrent
// duplicate polls for the first writer's response before giving up.
func Wrap(st store.Store, wait time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(Header)
		if key == "" {
			next(w, r)
			return
		}
		if len(key) > maxKeyLen {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "Idempotency-Key exceeds 255 characters")
			return
		}

		org, err := middleware.GetOrgFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}

		rec, owned, err := st.BeginIdempotent(r.Context(), org.ID, key, time.Now().UTC())
		if err != nil {
			log.Printf("[idempotency] begin %s: %v", key, err)
			writeError(w, http.StatusInternalServerError, "internal", "idempotency check failed")
			return
		}

		// A concurrent duplicate sees the first writer's placeholder.
		// Poll until the result lands, take the key over if the first
		// writer abandoned it, or give up with a conflict.
		deadline := time.Now().Add(wait)
		for !owned && !rec.Complete() {
			if time.Now().After(deadline) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusConflict, "conflict", "a request with this idempotency key is still in flight")
				return
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(pollInterval):
			}
			rec, owned, err = st.BeginIdempotent(r.Context(), org.ID, key, time.Now().UTC())
			if err != nil {
				log.Printf("[idempotency] begin %s: %v", key, err)
				writeError(w, http.StatusInternalServerError, "internal", "idempotency check failed")
				return
			}
		}

		if !owned {
			observability.IdempotencyReplays.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(*rec.StatusCode)
			w.Write(rec.ResponseBody)
			return
		}

		// Any completed response is replayable, whatever its status.
		// Only a handler that never finished frees the key.
		defer func() {
			if p := recover(); p != nil {
				abortCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := st.AbortIdempotent(abortCtx, org.ID, key); err != nil {
					log.Printf("[idempotency] abort %s: %v", key, err)
				}
				panic(p)
			}
		}()

		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(recorder, r)

		// The record must land even if the client has gone away, or the
		// key stays a placeholder until the janitor purges it.
		storeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.CompleteIdempotent(storeCtx, org.ID, key, recorder.statusCode, recorder.body); err != nil {
			log.Printf("[idempotency] complete %s: %v", key, err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
