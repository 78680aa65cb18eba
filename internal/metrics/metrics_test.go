package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	start := time.Now()

	m.Submitted()
	m.Transition("routing")
	m.Transition("routing")
	m.Venue("Raydium")
	m.JobFailed(start, "execution", true)
	m.JobFailed(start, "execution", false)
	m.JobDone(start)
	m.ObserverAttached()
	m.ObserverAttached()
	m.ObserverDetached()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("routing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VenueSelected.WithLabelValues("Raydium")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsRetried))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFailed.WithLabelValues("execution", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObserversActive))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Submitted()
	m.Transition("routing")
	m.JobDone(time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Venues(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "order_engine_venues_configured 2"))
}
