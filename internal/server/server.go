package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/config"
	"github.com/straja-ai/apkguard/internal/events"
	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/redact"
	"github.com/straja-ai/apkguard/internal/scan"
	"github.com/straja-ai/apkguard/internal/telemetry"
)

// Scanner runs the scan pipeline over one request's files.
type Scanner interface {
	ScanWithStats(ctx context.Context, files [][]byte) ([]scan.Result, scan.Stats, error)
}

// VerdictLookup resolves a single fingerprint for the query endpoint.
type VerdictLookup interface {
	Get(ctx context.Context, fp fingerprint.Fingerprint) (classifier.Verdict, bool, error)
}

// Deps are the shared handles injected at startup.
type Deps struct {
	Scanner   Scanner
	Verdicts  VerdictLookup
	Events    *events.Emitter
	Telemetry *telemetry.Provider
}

// Server wraps the HTTP server components for apkguard.
type Server struct {
	mux       *http.ServeMux
	handler   http.Handler
	cfg       config.ServerConfig
	scanner   Scanner
	verdicts  VerdictLookup
	events    *events.Emitter
	telemetry *telemetry.Provider
	limiter   *rate.Limiter
}

// New builds the router. cfg must already be validated.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		cfg:       cfg.Server,
		scanner:   deps.Scanner,
		verdicts:  deps.Verdicts,
		events:    deps.Events,
		telemetry: deps.Telemetry,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}

	s.mux.HandleFunc("GET /{$}", s.handleHealth)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /query/{fingerprint}", s.handleQuery)
	s.mux.Handle("POST /scan", s.rateLimited(http.HandlerFunc(s.handleScan)))

	s.handler = withRequestID(withCORS(s.cfg.CORSAllowOrigin, s.mux))
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on cfg.Addr until ctx is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		redact.Logf("apkguard listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	redact.Logf("apkguard shutting down (timeout %s)", timeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprint.Parse(r.PathValue("fingerprint"))
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if s.verdicts == nil {
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	v, ok, err := s.verdicts.Get(r.Context(), fp)
	if err != nil {
		redact.Logf("query: request=%s fingerprint=%s store error: %v", requestIDFrom(r.Context()), fp.Short(), err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, scan.Result{Fingerprint: fp, Verdict: v})
}
