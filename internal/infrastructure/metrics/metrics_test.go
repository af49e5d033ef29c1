package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	m := New(false)

	m.ObserveRequest("StudentDashboard", 200, 20*time.Millisecond)
	m.ObserveRequest("StudentDashboard", 200, 30*time.Millisecond)
	m.ObserveRequest("StudentDashboard", 0, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("StudentDashboard", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("StudentDashboard", "transport_error")))
}

func TestCounters(t *testing.T) {
	m := New(false)

	m.CacheEvent("hit")
	m.CacheEvent("hit")
	m.SetCacheEntries(4)
	m.ObserveTokenRefresh(false)
	m.SessionTransition("logout")
	m.ObserveJob("cache-sweep", time.Millisecond, errors.New("boom"))
	m.StorageOp("redis", "save", nil)
	m.SetBreakerState("learning-api", 1)
	m.EventPublished("session.changed")
	m.EventHandled("session.changed", time.Microsecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheEvents.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsOut.WithLabelValues("session.changed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.eventHandlers))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.cacheEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRefreshes.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionChanges.WithLabelValues("logout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("cache-sweep", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageOps.WithLabelValues("redis", "save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("learning-api")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(false)
	m.CacheEvent("miss")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `study_companion_cache_events_total{event="miss"} 1`)
}
