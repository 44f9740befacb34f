package monitor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersExported(t *testing.T) {
	before := testutil.ToFloat64(Detections.WithLabelValues("objects"))
	Detections.WithLabelValues("objects").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Detections.WithLabelValues("objects")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rayrelay_detections_total")
}

func TestWatchMailbox(t *testing.T) {
	WatchMailbox("test", func() (uint64, uint64) { return 5, 2 })
	WatchMailbox("test", func() (uint64, uint64) { return 5, 2 })

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `rayrelay_mailbox_drops_total{mailbox="test"} 2`)
	assert.Contains(t, body, `rayrelay_mailbox_published_total{mailbox="test"} 5`)
}

func TestCheckProcessInfo(t *testing.T) {
	GotPID()
	CheckProcessInfo()
	assert.Greater(t, testutil.ToFloat64(memUsage), 0.0)
}
