package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/devicestatus"
	idgen "github.com/JakeFAU/newsstand/internal/id/uuid"
	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/telemetry"
)

// Selector picks the next artifact for a viewer.
type Selector interface {
	SelectNext(ctx context.Context, viewer *newsstand.Viewer, previous string) (newsstand.Selection, error)
}

// StatusSource returns the last known device status for a viewer.
type StatusSource interface {
	Status(viewerID string) (devicestatus.Status, bool)
}

// Server wires HTTP handlers to the selector and cache store.
type Server struct {
	router   chi.Router
	store    newsstand.CacheStore
	sources  newsstand.SourceCatalog
	viewers  newsstand.ViewerCatalog
	selector Selector
	refresh  func()
	statuses StatusSource
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. refresh and
// statuses may be nil.
func NewServer(
	store newsstand.CacheStore,
	sources newsstand.SourceCatalog,
	viewers newsstand.ViewerCatalog,
	selector Selector,
	refresh func(),
	statuses StatusSource,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		sources:  sources,
		viewers:  viewers,
		selector: selector,
		refresh:  refresh,
		statuses: statuses,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Get("/viewers", s.listViewers)
		r.Get("/next", s.next)
		r.Route("/viewers/{viewer_id}", func(r chi.Router) {
			r.Get("/next", s.next)
			r.Get("/status", s.viewerStatus)
		})
		r.Get("/artifacts/{date}/{source_id}", s.artifact)
		r.Post("/refresh", s.triggerRefresh)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Dates(r.Context()); err != nil {
		s.logger.Warn("cache store not ready", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "cache store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": s.sources.Sources()})
}

func (s *Server) listViewers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"viewers": s.viewers.Viewers()})
}

type nextResponse struct {
	newsstand.Selection
	ImageURL     string               `json:"image_url"`
	ViewerID     string               `json:"viewer_id,omitempty"`
	DeviceStatus *devicestatus.Status `json:"device_status,omitempty"`
}

// next serves both the wildcard route and the per-viewer route. Unknown
// viewer ids are served as the wildcard.
func (s *Server) next(w http.ResponseWriter, r *http.Request) {
	viewerID := chi.URLParam(r, "viewer_id")
	var viewer *newsstand.Viewer
	if viewerID != "" {
		if v, ok := s.viewers.Viewer(viewerID); ok {
			viewer = v
		} else {
			s.logger.Debug("unknown viewer, serving wildcard", zap.String("viewer_id", viewerID))
		}
	}

	sel, err := s.selector.SelectNext(r.Context(), viewer, r.URL.Query().Get("prev"))
	switch {
	case errors.Is(err, newsstand.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "no front page available")
		return
	case err != nil:
		s.logger.Error("selection failed", zap.String("viewer_id", viewerID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "selection failed")
		return
	}

	resp := nextResponse{
		Selection: sel,
		ImageURL:  fmt.Sprintf("/v1/artifacts/%s/%s", sel.Date, sel.Source.ID),
		ViewerID:  viewerID,
	}
	if viewer != nil && s.statuses != nil {
		if st, ok := s.statuses.Status(viewer.ID); ok {
			resp.DeviceStatus = &st
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) viewerStatus(w http.ResponseWriter, r *http.Request) {
	viewerID := chi.URLParam(r, "viewer_id")
	if s.statuses == nil {
		s.writeError(w, http.StatusNotFound, "device status disabled")
		return
	}
	st, ok := s.statuses.Status(viewerID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no status for viewer")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	key := newsstand.ArtifactKey{
		Date:     newsstand.DateKey(chi.URLParam(r, "date")),
		SourceID: chi.URLParam(r, "source_id"),
	}
	if err := key.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := newsstand.StateOf(r.Context(), s.store, key)
	if err != nil {
		s.logger.Error("artifact state lookup failed", zap.Stringer("key", key), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cache lookup failed")
		return
	}
	if state != newsstand.StateReady {
		s.writeError(w, http.StatusNotFound, "artifact not ready")
		return
	}
	rc, err := s.store.Open(r.Context(), key, newsstand.KindRaster)
	if errors.Is(err, newsstand.ErrCacheMiss) {
		// Swept between the state check and the open.
		s.writeError(w, http.StatusNotFound, "artifact not ready")
		return
	}
	if err != nil {
		s.logger.Error("artifact open failed", zap.Stringer("key", key), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cache read failed")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", newsstand.KindRaster.ContentType())
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact stream interrupted", zap.Stringer("key", key), zap.Error(err))
	}
}

func (s *Server) triggerRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.refresh == nil {
		s.writeError(w, http.StatusServiceUnavailable, "refresh disabled")
		return
	}
	go s.refresh()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = idgen.NewGenerator().NewID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeError(s.logger, w, status, msg)
}
