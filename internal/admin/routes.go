package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tickd/internal/rt"
	"tickd/internal/storage"
	"tickd/internal/task/registry"
	"tickd/internal/task/repeated"
	logx "tickd/pkg/logx"
)

// Tasks is the part of the registry the admin API uses.
type Tasks interface {
	Snapshot() []repeated.Status
	Get(name string) (*repeated.Task, bool)
	Stop(ctx context.Context, name string) error
}

// History reads run history. Optional.
type History interface {
	RecentRuns(ctx context.Context, task string, limit int) ([]storage.Run, error)
}

type Deps struct {
	Tasks    Tasks
	Runtimes func() []rt.Snapshot
	History  History
	// StopTimeout bounds POST /tasks/{name}/stop. 0 means 30s.
	StopTimeout time.Duration
}

// Handler returns the admin router for cfg. Used by the server and tests.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.router(cur)
}

func (s *Server) router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.Token))

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/runs", s.handleListRuns)
				r.Post("/stop", s.handleStopTask)
			})
		})
		r.Get("/runtimes", s.handleRuntimes)

		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})
	return r
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tasks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": []repeated.Status{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Tasks.Snapshot()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t.Status())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "storage_disabled", "run history is not enabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be within 1..1000")
			return
		}
		limit = n
	}
	runs, err := s.deps.History.RecentRuns(r.Context(), t.Name(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	timeout := s.deps.StopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	err := s.deps.Tasks.Stop(ctx, t.Name())
	switch {
	case err == nil:
		s.log.Info("task stopped via admin", logx.String("task", t.Name()))
		writeJSON(w, http.StatusOK, t.Status())
	case errors.Is(err, rt.ErrIllegalState):
		writeError(w, http.StatusConflict, "illegal_state", err.Error())
	case errors.Is(err, rt.ErrJoinFailure):
		writeError(w, http.StatusInternalServerError, "join_failure", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "stop_timeout", "task is still stopping")
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "stop_failed", err.Error())
	}
}

func (s *Server) handleRuntimes(w http.ResponseWriter, _ *http.Request) {
	var snaps []rt.Snapshot
	if s.deps.Runtimes != nil {
		snaps = s.deps.Runtimes()
	}
	if snaps == nil {
		snaps = []rt.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runtimes": snaps})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*repeated.Task, bool) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if s.deps.Tasks == nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found: "+name)
		return nil, false
	}
	t, ok := s.deps.Tasks.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found: "+name)
		return nil, false
	}
	return t, true
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Accept either "Authorization: Bearer <token>" or "?token=<token>".
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
