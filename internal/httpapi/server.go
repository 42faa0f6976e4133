// Package httpapi exposes job status, metrics and a websocket progress
// feed for operators watching long dubbing runs.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mvallone/dubsync/internal/observability"
	"github.com/mvallone/dubsync/internal/pipeline"
)

// Registry tracks the jobs of the current run by ID.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*pipeline.Job
	ids  []string
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*pipeline.Job)}
}

func (r *Registry) Add(job *pipeline.Job) {
	r.mu.Lock()
	if _, ok := r.jobs[job.ID]; !ok {
		r.ids = append(r.ids, job.ID)
	}
	r.jobs[job.ID] = job
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*pipeline.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

func (r *Registry) List() []*pipeline.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pipeline.Job, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.jobs[id])
	}
	return out
}

type Server struct {
	registry    *Registry
	broadcaster *Broadcaster
	window      *observability.StageWindow
	upgrader    websocket.Upgrader
}

func New(registry *Registry, broadcaster *Broadcaster, window *observability.StageWindow, allowAnyOrigin bool) *Server {
	return &Server{
		registry:    registry,
		broadcaster: broadcaster,
		window:      window,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/jobs", s.handleListJobs)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Get("/v1/perf/stages", s.handleStageStats)
	r.Post("/v1/perf/stages/reset", s.handleStageReset)
	r.Get("/v1/events/ws", s.handleEventsWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type jobView struct {
	ID         string           `json:"id"`
	VideoPath  string           `json:"video_path"`
	TargetLang string           `json:"target_lang,omitempty"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
	Report     *pipeline.Report `json:"report,omitempty"`
}

func viewOf(job *pipeline.Job) jobView {
	status, err := job.Status()
	v := jobView{
		ID:         job.ID,
		VideoPath:  job.VideoPath,
		TargetLang: job.TargetLang,
		Status:     string(status),
		Report:     job.Report(),
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.registry.List()
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	job, ok := s.registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "job_not_found", "no job with id "+id)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleStageStats(w http.ResponseWriter, _ *http.Request) {
	if s.window == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "stage window not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.window.Snapshot())
}

func (s *Server) handleStageReset(w http.ResponseWriter, _ *http.Request) {
	if s.window == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "stage window not configured")
		return
	}
	s.window.Reset()
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event feed not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(events)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Reads only detect the peer closing; clients send nothing.
		conn.SetReadLimit(1 << 10)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
