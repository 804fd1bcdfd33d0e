// Package nabtools builds the instrumented HTTP clients used for the daemon's
// outbound calls (webhooks, relayed triggers, the rabbits' web UI).
package nabtools

import (
	"net/http"
	"strconv"
	"time"

	"github.com/clambin/go-common/http/metrics"
	"github.com/clambin/go-common/http/roundtripper"
	"github.com/prometheus/client_golang/prometheus"
)

// NewClient returns an http.Client that records its calls in requestMetrics.
func NewClient(timeout time.Duration, requestMetrics metrics.RequestMetrics) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newInstrumentedRoundTripper(http.DefaultTransport, requestMetrics),
	}
}

func newInstrumentedRoundTripper(rt http.RoundTripper, requestMetrics metrics.RequestMetrics) http.RoundTripper {
	return roundtripper.New(
		roundtripper.WithRequestMetrics(requestMetrics),
		roundtripper.WithRoundTripper(rt),
	)
}

// NewCallMetrics returns request metrics for one class of outbound calls,
// labeled by method, path and status code.
func NewCallMetrics(subsystem string, labels prometheus.Labels) metrics.RequestMetrics {
	return metrics.NewRequestMetrics(metrics.Options{
		Namespace:   "nabtag",
		Subsystem:   subsystem,
		ConstLabels: labels,
		LabelValues: func(request *http.Request, statusCode int) (string, string, string) {
			return request.Method, request.URL.Path, strconv.Itoa(statusCode)
		},
	})
}
