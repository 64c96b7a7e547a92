package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromHandler returns an http.Handler that exposes dataflowd's own
// process-level Prometheus counters (registered separately by callers via
// prometheus.DefaultRegisterer) alongside the Go/process collectors.
func PromHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
