package metrics

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
)

// NewServer exposes the collector and process metrics on /metrics, plus a
// liveness endpoint on /healthz.
func NewServer(addr string, c *Collector) *http.Server {
	router := chi.NewRouter()

	router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		c.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:    addr,
		Handler: router,
	}
}
