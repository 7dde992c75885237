package http

import (
	"net/http"

	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
)

// MetricsHandler exposes the Prometheus scrape endpoint
type MetricsHandler struct {
	handler http.Handler
}

// NewMetricsHandler creates a metrics handler backed by the OTel providers.
// Without a Prometheus exporter the endpoint answers 404.
func NewMetricsHandler(providers *infrastructure.OTelProviders) *MetricsHandler {
	h := &MetricsHandler{handler: http.NotFoundHandler()}
	if providers != nil && providers.PrometheusHTTP != nil {
		h.handler = providers.PrometheusHTTP
	}
	return h
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}
