package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/data-platform/dataset-upload/internal/observability"
)

// RouterConfig holds the pieces the router mounts beside the upload API.
type RouterConfig struct {
	Handler   *Handler
	Logger    *observability.Logger
	Readiness http.Handler // optional, mounted at /health/ready
	Metrics   http.Handler // optional, mounted at /metrics
}

// NewRouter builds the HTTP routing table.
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(CorrelationID)
	if cfg.Logger != nil {
		r.Use(Recover(cfg.Logger))
		r.Use(RequestLogger(cfg.Logger))
	}

	upload := r.PathPrefix("/api/upload").Subrouter()
	upload.HandleFunc("/init", cfg.Handler.Init).Methods(http.MethodPost)
	upload.HandleFunc("/chunk", cfg.Handler.Chunk).Methods(http.MethodPost)
	upload.HandleFunc("/status/{uploadId}", cfg.Handler.Status).Methods(http.MethodGet)
	upload.HandleFunc("/complete", cfg.Handler.Complete).Methods(http.MethodPost)

	r.HandleFunc("/health", cfg.Handler.Health).Methods(http.MethodGet)
	if cfg.Readiness != nil {
		r.Handle("/health/ready", cfg.Readiness).Methods(http.MethodGet)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	return r
}
