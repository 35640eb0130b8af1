package httpapi

import (
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/medopt/reminder-engine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors are process-wide; tests build more than one Server.
var registerOnce sync.Once

func (s *Server) mountMetrics(r chi.Router) {
	registerOnce.Do(metrics.MustRegister)
	r.Method("GET", "/metrics", promhttp.Handler())
}
