// Package apihealth is the minimal HTTP surface carried alongside the
// scheduler: the real ingestion/read API lives elsewhere, but a deployable
// service still needs a liveness/readiness surface and a way to enqueue a
// direct/ad-hoc evaluation for manual testing.
package apihealth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/wavelens/gradient/internal/models"
)

// EvaluationEnqueuer creates a direct (project-less) evaluation, the
// direct_build-backed ad-hoc path.
type EvaluationEnqueuer interface {
	EnqueueDirect(r *http.Request, req DirectEvaluationRequest) (*models.Evaluation, error)
}

// DirectEvaluationRequest is the body of POST /internal/direct-evaluations.
type DirectEvaluationRequest struct {
	Organization       string `json:"organization"`
	Repository         string `json:"repository"`
	Commit             string `json:"commit"`
	EvaluationWildcard string `json:"evaluation_wildcard"`
	CreatedBy          string `json:"created_by"`
}

// DB is the narrow readiness dependency the readyz probe needs (satisfied
// directly by *pgstore.Gateway).
type DB interface {
	Ping(ctx context.Context) error
}

// Router builds the chi mux. sharedSecret guards /internal/* with a
// constant-time comparison.
func Router(db DB, enqueuer EvaluationEnqueuer, serveURL, sharedSecret string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{serveURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type", "X-Gradient-Shared-Secret"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Ping(req.Context()); err != nil {
			log.Warn("readyz: database unreachable", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/internal/direct-evaluations", func(w http.ResponseWriter, req *http.Request) {
		if !sharedSecretMatches(req, sharedSecret) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body DirectEvaluationRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		eval, err := enqueuer.EnqueueDirect(req, body)
		if err != nil {
			log.Error("direct evaluation enqueue failed", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(eval)
	})

	return r
}

func sharedSecretMatches(r *http.Request, want string) bool {
	if want == "" {
		return false // misconfiguration: never allow an unauthenticated internal endpoint
	}
	got := r.Header.Get("X-Gradient-Shared-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Serve returns an HTTP server for addr with sane timeouts. It does not
// start listening; the caller runs ListenAndServe and stops it with
// http.Server.Shutdown.
func Serve(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
