package nabtools

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/clambin/go-common/http/roundtripper"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallMetrics(t *testing.T) {
	requestMetrics := NewCallMetrics("webhook", map[string]string{"application": "nabtag"})
	finalRoundTripper := roundtripper.RoundTripperFunc(func(request *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(&bytes.Buffer{})}, nil
	})

	c := http.Client{Transport: newInstrumentedRoundTripper(finalRoundTripper, requestMetrics)}

	_, err := c.Get("http://example.com/hook")
	require.NoError(t, err)

	assert.NoError(t, testutil.CollectAndCompare(requestMetrics, strings.NewReader(`
# HELP nabtag_webhook_http_requests_total total number of http requests
# TYPE nabtag_webhook_http_requests_total counter
nabtag_webhook_http_requests_total{application="nabtag",code="404",method="GET",path="/hook"} 1
`), "nabtag_webhook_http_requests_total"))
}

func TestNewClient(t *testing.T) {
	c := NewClient(10*time.Second, NewCallMetrics("relay", nil))
	assert.Equal(t, 10*time.Second, c.Timeout)
	assert.NotNil(t, c.Transport)
}
