// Package server exposes the proposal/apply cycle, the version trail,
// and the file browsing surface as JSON over HTTP, one endpoint per
// verb, plus two SSE streams.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"draftsman/internal/apply"
	"draftsman/internal/errinfo"
	"draftsman/internal/llm"
	"draftsman/internal/vcs"
	"draftsman/internal/watch"
	"draftsman/internal/workspace"
)

// ModelClient is the slice of a backend the server depends on; tests
// substitute a fake.
type ModelClient interface {
	Profile() string
	Generate(ctx context.Context, messages []llm.Message, params llm.Params) (string, error)
	Stream(ctx context.Context, messages []llm.Message, params llm.Params, onDelta func(string)) (string, error)
}

// BackendFactory resolves a backend profile name to a client. It is a
// function so credentials are re-read per request.
type BackendFactory func(profile string) (ModelClient, error)

type Server struct {
	ws       *workspace.Workspace
	coord    *apply.Coordinator
	trail    *vcs.Trail
	backends BackendFactory
	watcher  *watch.Watcher
	logger   *slog.Logger
	mux      *http.ServeMux
}

func New(ws *workspace.Workspace, coord *apply.Coordinator, trail *vcs.Trail, backends BackendFactory, watcher *watch.Watcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ws:       ws,
		coord:    coord,
		trail:    trail,
		backends: backends,
		watcher:  watcher,
		logger:   logger.With("component", "server"),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/propose", s.handlePropose)
	s.mux.HandleFunc("POST /api/apply", s.handleApply)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("POST /api/revert", s.handleRevert)
	s.mux.HandleFunc("GET /api/tree", s.handleTree)
	s.mux.HandleFunc("GET /api/file", s.handleFileGet)
	s.mux.HandleFunc("PUT /api/file", s.handleFilePut)
	s.mux.HandleFunc("DELETE /api/file", s.handleFileDelete)
	s.mux.HandleFunc("POST /api/file/diff", s.handleFileDiff)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		s.logger.Debug("http.request", "id", reqID, "method", r.Method, "path", r.URL.Path)
		s.mux.ServeHTTP(w, r)
		s.logger.Debug("http.done", "id", reqID, "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start).String())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("http.encode_failed", "error", err.Error())
	}
}

func (s *Server) writeErrInfo(w http.ResponseWriter, status int, info *errinfo.ErrorInfo) {
	s.writeJSON(w, status, map[string]any{"ok": false, "error": info})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, phase string, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		s.writeErrInfo(w, http.StatusBadRequest, errinfo.ValidationFailed(phase, "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// backendFor maps factory failures to the wire taxonomy.
func (s *Server) backendFor(w http.ResponseWriter, phase, profile string) (ModelClient, bool) {
	client, err := s.backends(profile)
	if err != nil {
		if errors.Is(err, llm.ErrMissingCredential) {
			s.writeErrInfo(w, http.StatusBadRequest, errinfo.MissingCredential(phase, err.Error()))
		} else {
			s.writeErrInfo(w, http.StatusBadRequest, errinfo.ValidationFailed(phase, err.Error()))
		}
		return nil, false
	}
	return client, true
}
