package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	m := New()
	m.ObservePass("start", 3, time.Millisecond)
	m.ObservePass("mutation", 0, time.Millisecond)
	m.ObservePass("mutation", 2, time.Millisecond)
	m.RuleFailure("ads")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Passes.WithLabelValues("start")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Passes.WithLabelValues("mutation")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Suppressed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleFailures.WithLabelValues("ads")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/tabs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tabs/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/tabs/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "focusshield_http_requests_total")
}
