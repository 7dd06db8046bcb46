package ingress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/izavyalov-dev/dispatchd/internal/observability"
	"github.com/izavyalov-dev/dispatchd/task"
)

// MaxBodySize caps webhook request bodies.
const MaxBodySize = 5 * 1024 * 1024 // 5 MiB

// Dispatcher is the subset of dispatch.Service the ingress layer depends
// on, kept as an interface so the HTTP layer can be tested without a real
// checkout root or subprocess execution.
type Dispatcher interface {
	Accept(ctx context.Context, event PushEvent) (*task.Task, error)
	Lookup(id string) (*task.Task, bool)
	TaskURL(id string) string
}

// Server is the dispatcher's public HTTP surface.
type Server struct {
	secret     string
	dispatcher Dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger
}

func NewServer(secret string, dispatcher Dispatcher, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = observability.NewLogger("ingress")
	}
	return &Server{secret: secret, dispatcher: dispatcher, metrics: metrics, logger: logger}
}

// Router builds the chi router for the dispatcher's public surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Post("/", s.handleWebhook)
	r.Get("/tasks/{taskID}", s.handleStatus)
	r.Get("/tasks/{taskID}/log", s.handleLog)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	limited := io.LimitReader(r.Body, MaxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		s.metrics.IncWebhook("read_error")
		writeError(w, http.StatusInternalServerError, "could not read body")
		return
	}
	if len(body) > MaxBodySize {
		s.metrics.IncWebhook("oversize")
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	header := r.Header.Get("X-Hub-Signature")
	if err := VerifySignature(s.secret, body, header); err != nil {
		s.metrics.IncWebhook("bad_signature")
		writeError(w, http.StatusUnauthorized, "signature invalid")
		return
	}

	event, ok, err := DecodePush(body)
	if err != nil {
		s.metrics.IncWebhook("malformed")
		writeError(w, http.StatusBadRequest, "could not parse payload")
		return
	}
	if !ok {
		// Ping event: signature valid, nothing to schedule.
		s.metrics.IncWebhook("ping")
		w.WriteHeader(http.StatusOK)
		return
	}

	t, err := s.dispatcher.Accept(r.Context(), event)
	if err != nil {
		s.metrics.IncWebhook("accept_error")
		s.logger.Error("accept failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not accept task")
		return
	}

	s.metrics.IncWebhook("accepted")
	taskURL := s.dispatcher.TaskURL(t.ID)
	w.Header().Set("Location", taskURL)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":  t.ID,
		"task_url": taskURL,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	t, ok := s.dispatcher.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	t, ok := s.dispatcher.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}

	file, err := os.Open(t.LogPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "log unavailable")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, file)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"reason": reason})
}
