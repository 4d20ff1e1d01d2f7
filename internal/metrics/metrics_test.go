// ABOUTME: Tests for metric helpers and the HTTP middleware
// ABOUTME: Uses prometheus testutil to read counters from the default registry

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveInvocation(t *testing.T) {
	before := testutil.ToFloat64(InvocationsTotal.WithLabelValues("system", "error"))
	ObserveInvocation("system", time.Now(), errors.New("boom"))
	after := testutil.ToFloat64(InvocationsTotal.WithLabelValues("system", "error"))
	assert.Equal(t, before+1, after)
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/connectors/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Middleware(mux)

	counter := HTTPRequestsTotal.WithLabelValues("GET", "GET /api/connectors/{id}", "418")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/connectors/abc-123", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	ValidationsTotal.WithLabelValues("OK").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "coven_connect_validations_total"))
}
