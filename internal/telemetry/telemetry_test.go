package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cdn.freedomforum.org", SanitizeSite("https://CDN.freedomforum.org/dfp/pdf1/NY_NYT.pdf"))
	assert.Equal(t, "example.com", SanitizeSite("example.com/path"))
	assert.Equal(t, "unknown", SanitizeSite("http://"))
}

func TestObserveAcquire(t *testing.T) {
	before := testutil.ToFloat64(acquireTotal.WithLabelValues("NYT", "converted"))
	ObserveAcquire("NYT", "converted")
	assert.InDelta(t, before+1, testutil.ToFloat64(acquireTotal.WithLabelValues("NYT", "converted")), 0.0001)
}

func TestObserveSweepIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(sweptDatesTotal)
	ObserveSweep(0)
	ObserveSweep(2)
	assert.InDelta(t, before+2, testutil.ToFloat64(sweptDatesTotal), 0.0001)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/artifacts/{date}/{source_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/artifacts/2024-01-02/NYT", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")), 0.0001)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(httpRequestDurationSeconds, "http_request_duration_seconds"), 1)
}

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	})

	_, span := Tracer().Start(context.Background(), "test")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}
