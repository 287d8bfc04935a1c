package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(deltaFallbacks.WithLabelValues("patch_hash"))
	RecordFallback("patch_hash")
	assert.Equal(t, before+1, testutil.ToFloat64(deltaFallbacks.WithLabelValues("patch_hash")))

	RecordDownload("bundle", 512)
	assert.GreaterOrEqual(t, testutil.ToFloat64(downloadedBytes.WithLabelValues("bundle")), 512.0)

	RecordRun(OutcomeDelta, 20*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(updateRuns.WithLabelValues(OutcomeDelta)), 1.0)
}

func TestHandler(t *testing.T) {
	RecordRequest("/manifest.json", http.StatusOK)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hotupdate_server_requests_total")
}
