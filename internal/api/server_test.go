package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/newsstand/internal/catalog"
	"github.com/JakeFAU/newsstand/internal/clock/system"
	"github.com/JakeFAU/newsstand/internal/devicestatus"
	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/rotation"
	"github.com/JakeFAU/newsstand/internal/storage/memory"
)

var testNow = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

type fakeStatuses map[string]devicestatus.Status

func (f fakeStatuses) Status(id string) (devicestatus.Status, bool) {
	st, ok := f[id]
	return st, ok
}

type failingSelector struct{ err error }

func (f failingSelector) SelectNext(context.Context, *newsstand.Viewer, string) (newsstand.Selection, error) {
	return newsstand.Selection{}, f.err
}

type brokenStore struct{ *memory.CacheStore }

func (brokenStore) Dates(context.Context) ([]newsstand.DateKey, error) {
	return nil, errors.New("disk gone")
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	src := func(id string, minutes int) newsstand.Source {
		return newsstand.Source{
			ID:             id,
			Name:           id + " Daily",
			DisplayMinutes: minutes,
			URL:            func(time.Time) (string, error) { return "https://example.com/" + id + ".pdf", nil },
		}
	}
	c, err := catalog.New(
		[]newsstand.Source{src("NYT", 60), src("WSJ", 30)},
		[]*newsstand.Viewer{{
			ID:            "hall",
			Timezone:      "UTC",
			Location:      time.UTC,
			Subscriptions: []newsstand.Subscription{{SourceID: "WSJ", DisplayMinutes: 15}},
		}},
	)
	require.NoError(t, err)
	return c
}

func putReady(t *testing.T, store newsstand.CacheStore, date newsstand.DateKey, id string) {
	t.Helper()
	key := newsstand.ArtifactKey{Date: date, SourceID: id}
	require.NoError(t, store.Put(context.Background(), key, newsstand.KindDocument, strings.NewReader("%PDF")))
	require.NoError(t, store.Put(context.Background(), key, newsstand.KindRaster, strings.NewReader("png:"+id)))
}

func newTestServer(t *testing.T, store newsstand.CacheStore, refresh func(), statuses StatusSource) *Server {
	t.Helper()
	cat := testCatalog(t)
	sel := rotation.New(store, cat, rotation.RoundRobinPicker{}, system.NewFixed(testNow),
		rotation.Config{WindowDays: 3, DefaultDisplayMinutes: 45}, zap.NewNop())
	return NewServer(store, cat, cat, sel, refresh, statuses, zap.NewNop())
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, memory.NewCacheStore(), nil, nil)

	rec := do(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, memory.NewCacheStore(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()
	ok := newTestServer(t, memory.NewCacheStore(), nil, nil)
	require.Equal(t, http.StatusOK, do(t, ok, http.MethodGet, "/readyz").Code)

	broken := newTestServer(t, brokenStore{memory.NewCacheStore()}, nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, broken, http.MethodGet, "/readyz").Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, memory.NewCacheStore(), nil, nil)
	do(t, s, http.MethodGet, "/healthz")

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ListSourcesAndViewers(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, memory.NewCacheStore(), nil, nil)

	rec := do(t, s, http.MethodGet, "/v1/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	var sources struct {
		Sources []newsstand.Source `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sources))
	require.Len(t, sources.Sources, 2)

	rec = do(t, s, http.MethodGet, "/v1/viewers")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"hall"`)
}

func TestServer_NextWildcard(t *testing.T) {
	t.Parallel()
	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-03", "NYT")
	putReady(t, store, "2024-01-03", "WSJ")
	s := newTestServer(t, store, nil, nil)

	rec := do(t, s, http.MethodGet, "/v1/next?prev=NYT")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp nextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "WSJ", resp.Source.ID)
	require.Equal(t, newsstand.DateKey("2024-01-03"), resp.Date)
	require.Equal(t, 30, resp.DisplayMinutes)
	require.Equal(t, "/v1/artifacts/2024-01-03/WSJ", resp.ImageURL)
	require.Nil(t, resp.DeviceStatus)
}

func TestServer_NextForViewer(t *testing.T) {
	t.Parallel()
	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-02", "NYT")
	putReady(t, store, "2024-01-02", "WSJ")
	statuses := fakeStatuses{"hall": {Device: devicestatus.Device{UUID: "dev-1", Battery: 88}, UpdatedAt: testNow}}
	s := newTestServer(t, store, nil, statuses)

	rec := do(t, s, http.MethodGet, "/v1/viewers/hall/next")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp nextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "WSJ", resp.Source.ID)
	require.Equal(t, 15, resp.DisplayMinutes)
	require.Equal(t, "hall", resp.ViewerID)
	require.NotNil(t, resp.DeviceStatus)
	require.Equal(t, "dev-1", resp.DeviceStatus.Device.UUID)
}

func TestServer_NextUnknownViewerIsWildcard(t *testing.T) {
	t.Parallel()
	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-03", "NYT")
	s := newTestServer(t, store, nil, nil)

	rec := do(t, s, http.MethodGet, "/v1/viewers/nobody/next")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"NYT"`)
}

func TestServer_NextNotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, memory.NewCacheStore(), nil, nil)

	rec := do(t, s, http.MethodGet, "/v1/next")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_NextSelectorError(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	s := NewServer(memory.NewCacheStore(), cat, cat, failingSelector{err: errors.New("boom")}, nil, nil, zap.NewNop())

	rec := do(t, s, http.MethodGet, "/v1/next")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Artifact(t *testing.T) {
	t.Parallel()
	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-03", "NYT")
	fetchedOnly := newsstand.ArtifactKey{Date: "2024-01-03", SourceID: "WSJ"}
	require.NoError(t, store.Put(context.Background(), fetchedOnly, newsstand.KindDocument, strings.NewReader("%PDF")))
	s := newTestServer(t, store, nil, nil)

	rec := do(t, s, http.MethodGet, "/v1/artifacts/2024-01-03/NYT")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Equal(t, "png:NYT", string(body))

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/artifacts/2024-01-03/WSJ").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/artifacts/2024-01-01/NYT").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/artifacts/yesterday/NYT").Code)
}

func TestServer_ViewerStatus(t *testing.T) {
	t.Parallel()
	statuses := fakeStatuses{"hall": {Device: devicestatus.Device{UUID: "dev-1"}, UpdatedAt: testNow}}
	s := newTestServer(t, memory.NewCacheStore(), nil, statuses)

	rec := do(t, s, http.MethodGet, "/v1/viewers/hall/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "dev-1")

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/viewers/other/status").Code)

	disabled := newTestServer(t, memory.NewCacheStore(), nil, nil)
	require.Equal(t, http.StatusNotFound, do(t, disabled, http.MethodGet, "/v1/viewers/hall/status").Code)
}

func TestServer_TriggerRefresh(t *testing.T) {
	t.Parallel()
	called := make(chan struct{}, 1)
	s := newTestServer(t, memory.NewCacheStore(), func() { called <- struct{}{} }, nil)

	rec := do(t, s, http.MethodPost, "/v1/refresh")
	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not triggered")
	}

	disabled := newTestServer(t, memory.NewCacheStore(), nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, disabled, http.MethodPost, "/v1/refresh").Code)
}

type unencodable struct{}

func (unencodable) MarshalJSON() ([]byte, error) {
	return nil, errors.New("cannot encode")
}

func TestServer_EncodeFailureUsesInjectedLogger(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.ErrorLevel)
	cat := testCatalog(t)
	s := NewServer(memory.NewCacheStore(), cat, cat, failingSelector{}, nil, nil, zap.New(core))

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, unencodable{})
	require.Equal(t, 1, logs.FilterMessage("write JSON failed").Len())
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.ErrorLevel)
	h := recoverMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	t.Parallel()
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := rw.Hijack()
	require.Error(t, err)
	rw.WriteHeader(http.StatusTeapot)
	require.Equal(t, http.StatusTeapot, rw.status)
}
