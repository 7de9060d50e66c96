// Package metrics exposes the Prometheus metrics of the Scalr client.
// The collectors themselves live in their packages (client, transport, scroll,
// cache, ratelimit) and register with the default registry via promauto; this
// package gathers and renders them.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Prefix is shared by every metric this module registers.
const Prefix = "scalr_"

// Registry is the default Prometheus registry used by the client.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the metrics registered in Registry.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Gather returns the scalr_* metric families from g, sorted by name.
func Gather(g prometheus.Gatherer) ([]*dto.MetricFamily, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	out := families[:0]
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), Prefix) {
			out = append(out, mf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out, nil
}

// WriteText writes the scalr_* metrics from g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := Gather(g)
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves every registered metric for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - scalr_requests_total{method, status} (Counter): Requests by method and HTTP status ("network_error" when none)
//   - scalr_request_duration_seconds{method} (Histogram): Request duration by method
//   - scalr_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/transport, only with a retry policy):
//   - scalr_transport_retries_total{error_class} (Counter): Retry attempts
//   - scalr_transport_retry_backoff_seconds{error_class} (Histogram): Backoff before each retry
//   - scalr_transport_retry_exhausted_total{error_class} (Counter): Requests that used every attempt
//
// Scroll Metrics (pkg/scroll):
//   - scalr_scroll_pages_total (Counter): Pages fetched
//   - scalr_scroll_duration_seconds (Histogram): Duration of complete scrolls
//   - scalr_scroll_failures_total (Counter): Scrolls that failed
//
// Cache Metrics (pkg/cache):
//   - scalr_cache_hits_total (Counter): Fetch responses served from Redis
//   - scalr_cache_misses_total (Counter): Cache misses
//   - scalr_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - scalr_rate_limit_waits_total{reason} (Counter): Requests delayed (retry_after, token_bucket)
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(scalr_cache_hits_total[5m])) /
//	(sum(rate(scalr_cache_hits_total[5m])) + sum(rate(scalr_cache_misses_total[5m])))
//
//	# Pages per scroll
//	rate(scalr_scroll_pages_total[5m]) / rate(scalr_scroll_duration_seconds_count[5m])
//
//	# P95 Request Latency
//	histogram_quantile(0.95, rate(scalr_request_duration_seconds_bucket[5m]))
