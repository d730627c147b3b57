package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/config"
	"github.com/propwatch/listing-harvester/internal/harvest"
	"github.com/propwatch/listing-harvester/internal/metrics"
	"github.com/propwatch/listing-harvester/internal/progress/sinks"
)

// Pinger reports liveness of a backing dependency, typically the database
// pool. A nil Pinger makes /readyz unconditionally ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EgressPool reports proxy-pool health for the status endpoint.
type EgressPool interface {
	Size() int
	Quarantined() int
}

// Server is the operator-facing HTTP surface. It only reads harvest state
// and trips the abort signal; it never drives crawls itself.
type Server struct {
	router      chi.Router
	checkpoints harvest.CheckpointStore
	backlog     harvest.BacklogCounter
	abort       *harvest.AbortSignal
	states      *sinks.StateSink
	egress      EgressPool
	db          Pinger
	cfg         config.Config
	sources     map[string]bool
	logger      *zap.Logger
}

// NewServer wires routes and middleware. The /v1 group is API-key guarded
// when auth is enabled; probes and /metrics stay open so load balancers and
// Prometheus need no credentials.
func NewServer(
	checkpoints harvest.CheckpointStore,
	backlog harvest.BacklogCounter,
	abort *harvest.AbortSignal,
	states *sinks.StateSink,
	egressPool EgressPool,
	db Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		checkpoints: checkpoints,
		backlog:     backlog,
		abort:       abort,
		states:      states,
		egress:      egressPool,
		db:          db,
		cfg:         cfg,
		sources:     make(map[string]bool, len(cfg.Sources)),
		logger:      logger.Named("api"),
	}
	for _, src := range cfg.Sources {
		s.sources[src.Name] = true
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/control/abort", s.handleAbort)
		r.Get("/control/status", s.handleControlStatus)
		r.Get("/progress", s.handleProgress)
		r.Get("/progress/{source}", s.handleSourceProgress)
		r.Get("/sources/{source}/checkpoint", s.handleCheckpoint)
	})

	s.router = r
	return s
}

// Handler returns the root handler for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("readiness probe failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "database unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

// handleAbort trips the process-wide abort flag. The flag is one-way, so
// there is no matching resume endpoint; a stopped harvester is restarted.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if r.Body != nil {
		// The reason is informational only; a malformed body still aborts.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	s.abort.RequestAbort()
	s.logger.Info("abort requested",
		zap.String("reason", req.Reason),
		zap.String("request_id", requestIDFrom(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"aborting":          s.abort.Aborted(),
		"backlog_threshold": s.cfg.Harvest.BacklogThreshold,
	}

	egressStatus := map[string]any{"mode": s.cfg.Egress.Mode}
	if s.egress != nil {
		egressStatus["paths"] = s.egress.Size()
		egressStatus["quarantined"] = s.egress.Quarantined()
	}
	status["egress"] = egressStatus

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	pending, err := s.backlog.PendingCount(ctx)
	if err != nil {
		s.logger.Warn("backlog count unavailable", zap.Error(err))
		status["backlog_pending"] = nil
	} else {
		status["backlog_pending"] = pending
		status["backlog_exceeded"] = pending >= s.cfg.Harvest.BacklogThreshold
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	if s.states == nil {
		writeError(w, http.StatusServiceUnavailable, "progress reporting is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.states.Snapshot()})
}

func (s *Server) handleSourceProgress(w http.ResponseWriter, r *http.Request) {
	if s.states == nil {
		writeError(w, http.StatusServiceUnavailable, "progress reporting is not enabled")
		return
	}
	source := chi.URLParam(r, "source")
	state, ok := s.states.SourceSnapshot(source)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no progress recorded for source %q", source))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// checkpointResponse is the wire form of a checkpoint. The processed-unit
// set is summarized as a count; the full set can be thousands of keys and
// is only meaningful to the driver.
type checkpointResponse struct {
	SourceName     string    `json:"source_name"`
	RegionIndex    int       `json:"region_index"`
	SubRegionIndex int       `json:"subregion_index"`
	UnitsProcessed int       `json:"units_processed"`
	TotalProcessed int64     `json:"total_processed"`
	CycleCount     int64     `json:"cycle_count"`
	CycleStartedAt time.Time `json:"cycle_started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if !s.sources[source] {
		writeError(w, http.StatusNotFound, fmt.Sprintf("source %q is not configured", source))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	cp, err := s.checkpoints.Load(ctx, source)
	if err != nil {
		s.logger.Error("load checkpoint failed", zap.String("source", source), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}

	writeJSON(w, http.StatusOK, checkpointResponse{
		SourceName:     cp.SourceName,
		RegionIndex:    cp.RegionIndex,
		SubRegionIndex: cp.SubRegionIndex,
		UnitsProcessed: len(cp.ProcessedUnits),
		TotalProcessed: cp.TotalProcessed,
		CycleCount:     cp.CycleCount,
		CycleStartedAt: cp.CycleStartedAt,
		UpdatedAt:      cp.UpdatedAt,
	})
}

// --- middleware ---

type contextKey string

const requestIDKey contextKey = "request_id"

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestIDFrom(r.Context())),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func apiKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != key {
				writeError(w, http.StatusForbidden, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// responseWriter captures the status code for request logging while passing
// Flush and Hijack through to the underlying writer.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
