// Package api exposes the orchestrator over HTTP. Task frames are streamed as
// server-sent events; everything else is plain JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/navi/internal/logging"
	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/orchestrator"
	"github.com/example/navi/internal/retrieval"
	"github.com/example/navi/internal/router"
	"github.com/example/navi/internal/workspace"
)

// Index is the part of the retrieval engine served over HTTP.
type Index interface {
	Search(ctx context.Context, workspaceID, query string, k int) ([]retrieval.Chunk, bool, error)
	Refresh(workspaceID string) error
	Status(workspaceID string) (retrieval.Status, error)
}

type UsageReporter interface {
	Usage() []router.RouteUsage
}

type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Index        Index
	Usage        UsageReporter
	// Heartbeat is the idle interval between keep-alive comments on streams.
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /chat/stream", s.chatStream)
	mux.HandleFunc("POST /tasks", s.startTask)
	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, s.Orchestrator.ListTasks())
	})
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.cancelTask)
	mux.HandleFunc("GET /tasks/{id}/events", s.watchTask)
	mux.HandleFunc("POST /search", s.search)
	mux.HandleFunc("GET /index/status", s.indexStatus)
	mux.HandleFunc("POST /index/refresh", s.indexRefresh)
	mux.HandleFunc("GET /routes/usage", func(w http.ResponseWriter, r *http.Request) {
		if s.Usage == nil {
			respondJSON(w, http.StatusOK, []router.RouteUsage{})
			return
		}
		respondJSON(w, http.StatusOK, s.Usage.Usage())
	})
	return cors(mux)
}

func (s *Server) logger() *zap.Logger { return logging.OrNop(s.Logger) }

func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	// The task lives as long as the connection; a disconnect cancels it.
	ch, err := s.Orchestrator.Run(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	s.stream(w, r, ch)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.Orchestrator.Start(req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Orchestrator.GetTask(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if !s.Orchestrator.Cancel(r.PathValue("id")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) watchTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.Orchestrator.GetTask(id); !ok {
		http.NotFound(w, r)
		return
	}
	ch, unsubscribe := s.Orchestrator.Subscribe(id)
	defer unsubscribe()
	s.stream(w, r, ch)
}

type searchRequest struct {
	Workspace string `json:"workspace"`
	Query     string `json:"query"`
	K         int    `json:"k,omitempty"`
}

type searchResponse struct {
	HadIndex bool              `json:"had_index"`
	Chunks   []retrieval.Chunk `json:"chunks"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	if req.K <= 0 {
		req.K = 8
	}
	chunks, had, err := s.Index.Search(r.Context(), req.Workspace, req.Query, req.K)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if chunks == nil {
		chunks = []retrieval.Chunk{}
	}
	respondJSON(w, http.StatusOK, searchResponse{HadIndex: had, Chunks: chunks})
}

func (s *Server) indexStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Index.Status(r.URL.Query().Get("workspace"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) indexRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workspace string `json:"workspace"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Index.Refresh(req.Workspace); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// stream relays frames until the channel closes or the client goes away.
// A done sentinel follows the terminal frame.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, ch <-chan models.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	interval := s.Heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	terminal := false
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if terminal {
					fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
					flusher.Flush()
				}
				return
			}
			if err := writeFrame(w, ev); err != nil {
				s.logger().Warn("could not write frame", zap.String("task", ev.TaskID), zap.Error(err))
				return
			}
			flusher.Flush()
			terminal = terminal || ev.Type.Terminal()
			ticker.Reset(interval)
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, ev models.Event) error {
	data := ev.Payload()
	data["task_id"] = ev.TaskID
	data["seq"] = ev.Seq
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
	return err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, workspace.ErrOutsideRoot):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// cors allows the web and editor clients to call the API during local development.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
