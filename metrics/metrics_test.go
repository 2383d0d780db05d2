package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.PageFetched()
	m.PageFetched()
	m.AssetFailed()
	m.EnrichmentFallback()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pagesFetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assetFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.rateLimitHits))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PageFetched()
		m.RateLimited()
		m.ObserveQueueWait("page", time.Second)
		m.SetQueueInflight("page", 3)
	})
}

func TestHandlerExposesQueueGauge(t *testing.T) {
	m := New()
	m.SetQueueInflight("inference", 1)
	m.ObserveQueueWait("inference", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `antique_scraper_queue_inflight{queue="inference"} 1`))
	assert.True(t, strings.Contains(string(body), "antique_scraper_queue_wait_seconds_count"))
}
