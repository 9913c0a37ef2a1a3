// Package server exposes a running watcher over HTTP: health, installed
// module details, files inside the module, stability overrides and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matzehuels/distwatch/pkg/buildinfo"
	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/logging"
	"github.com/matzehuels/distwatch/pkg/poller"
)

// Source is the watcher surface the server reads from.
type Source interface {
	Name() string
	Tags() []string
	Snapshot() map[string]*poller.ModuleDetails
	Get(ctx context.Context, tag string) (*poller.ModuleDetails, error)
	Read(ctx context.Context, path, tag string) ([]byte, error)
	MarkStable(version string)
	MarkUnstable(version string)
	Stability() map[string]poller.Stability
	FlushCache(ctx context.Context) error
}

// Options configures a [Server].
type Options struct {
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer

	// RequestTimeout bounds each request, including waits for a first poll
	// result. Zero means 30s.
	RequestTimeout time.Duration

	Logger logging.Logger
}

// Server routes HTTP requests to a Source.
type Server struct {
	src    Source
	opts   Options
	log    logging.Logger
	router chi.Router
}

// New creates a Server for src.
func New(src Source, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{src: src, opts: opts, log: logging.OrDiscard(opts.Logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		r.Get("/tags", s.tags)
		r.Get("/modules/{tag}", s.module)
		r.Get("/modules/{tag}/files/*", s.file)
		r.Get("/versions", s.stability)
		r.Post("/versions/{version}/stable", s.mark(poller.Stable))
		r.Post("/versions/{version}/unstable", s.mark(poller.Unstable))
		r.Post("/cache/flush", s.flush)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http_request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "elapsed", time.Since(start).Round(time.Millisecond),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	versions := make(map[string]string, len(snap))
	for tag, d := range snap {
		versions[tag] = d.Version
	}
	status := "ok"
	if len(versions) < len(s.src.Tags()) {
		status = "pending"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"build":    buildinfo.Short(),
		"name":     s.src.Name(),
		"versions": versions,
	})
}

func (s *Server) tags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    s.src.Name(),
		"tags":    s.src.Tags(),
		"modules": s.src.Snapshot(),
	})
}

func (s *Server) module(w http.ResponseWriter, r *http.Request) {
	d, err := s.src.Get(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) file(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	data, err := s.src.Read(r.Context(), path, chi.URLParam(r, "tag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ct := contentType(path); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) stability(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string)
	for v, st := range s.src.Stability() {
		out[v] = st.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) mark(st poller.Stability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := chi.URLParam(r, "version")
		if !errs.IsExactVersion(version) {
			s.writeError(w, r, errs.New(errs.ErrCodeInvalidVersion, "not an exact version: %q", version))
			return
		}
		if st == poller.Unstable {
			s.src.MarkUnstable(version)
		} else {
			s.src.MarkStable(version)
		}
		s.log.Info("stability_changed", "name", s.src.Name(), "version", version, "stability", st)
		writeJSON(w, http.StatusOK, map[string]string{"version": version, "stability": st.String()})
	}
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	if err := s.src.FlushCache(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("http_error", "path", r.URL.Path, "err", err)
	}
	code := string(errs.GetCode(err))
	if code == "" {
		code = string(errs.ErrCodeInternal)
		if errors.Is(err, fs.ErrNotExist) {
			code = string(errs.ErrCodeNotFound)
		}
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func statusFor(err error) int {
	switch errs.GetCode(err) {
	case errs.ErrCodeInvalidTag, errs.ErrCodeInvalidPath, errs.ErrCodeInvalidVersion,
		errs.ErrCodeInvalidPackage, errs.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errs.ErrCodeNotFound, errs.ErrCodeChannelNotFound:
		return http.StatusNotFound
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errs.GetCode(err) != "":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func contentType(path string) string {
	return mime.TypeByExtension(filepath.Ext(path))
}
