package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"draftsman/internal/apply"
	"draftsman/internal/diff"
	"draftsman/internal/errinfo"
	"draftsman/internal/llm"
	"draftsman/internal/proposal"
	"draftsman/internal/vcs"
	"draftsman/internal/workspace"
)

const proposePrompt = "You are a coding assistant working inside a sandboxed project directory. " +
	"Reply with exactly one JSON object, no code fences, of the shape " +
	`{"actions":[{"kind":"create|edit|delete","path":"relative/path","content":"full new file content","isDirectory":false}],"assistant_text":"short explanation for the user"}. ` +
	"Use kind \"create\" for new files or directories (set isDirectory for directories), " +
	"\"edit\" with the complete new content for changed files, and \"delete\" to remove a path. " +
	"Paths are relative to the project root and must stay inside it. " +
	"If no file changes are needed, return an empty actions array and explain in assistant_text."

type proposeRequest struct {
	Instruction     string   `json:"instruction"`
	BackendProfile  string   `json:"backendProfile"`
	Model           string   `json:"model,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxTokens       int      `json:"maxTokens,omitempty"`
	RepairOnFailure bool     `json:"repairOnFailure,omitempty"`
}

type proposeResponse struct {
	Provider           string             `json:"provider"`
	AssistantNarrative string             `json:"assistantNarrative"`
	RawModelText       string             `json:"rawModelText"`
	Actions            []proposal.Action  `json:"actions"`
	Diffs              []proposal.Preview `json:"diffs"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if !s.decode(w, r, errinfo.PhasePropose, &req) {
		return
	}
	if req.Instruction == "" {
		s.writeErrInfo(w, http.StatusBadRequest, errinfo.ValidationFailed(errinfo.PhasePropose, "instruction is required"))
		return
	}
	client, ok := s.backendFor(w, errinfo.PhasePropose, req.BackendProfile)
	if !ok {
		return
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: proposePrompt},
		{Role: llm.RoleUser, Content: req.Instruction},
	}
	params := llm.Params{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	raw, err := client.Generate(r.Context(), messages, params)
	if err != nil {
		s.writeErrInfo(w, http.StatusBadGateway, errinfo.UpstreamBackend(errinfo.PhasePropose, err.Error()))
		return
	}
	parser := proposal.NewParser(client, s.logger)
	parsed := parser.Parse(r.Context(), raw, req.RepairOnFailure)
	if parsed.Malformed {
		// Degrades to narrative-only, never a hard failure.
		s.logger.Warn("propose.malformed_output", "repaired", parsed.Repaired)
	}
	actions := parsed.Actions
	if actions == nil {
		actions = []proposal.Action{}
	}
	s.writeJSON(w, http.StatusOK, proposeResponse{
		Provider:           client.Profile(),
		AssistantNarrative: parsed.AssistantText,
		RawModelText:       raw,
		Actions:            actions,
		Diffs:              proposal.BuildPreviews(s.ws, actions),
	})
}

type applyRequest struct {
	Actions       []apply.Item `json:"actions"`
	CommitMessage string       `json:"commitMessage"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !s.decode(w, r, errinfo.PhaseApply, &req) {
		return
	}
	result := s.coord.Apply(r.Context(), req.Actions, req.CommitMessage)
	if result.Trail.Error != "" {
		s.logger.Error("apply.trail_failed", "error", result.Trail.Error)
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	instruction := query.Get("instruction")
	if instruction == "" {
		s.writeErrInfo(w, http.StatusBadRequest, errinfo.ValidationFailed(errinfo.PhaseStream, "instruction is required"))
		return
	}
	client, ok := s.backendFor(w, errinfo.PhaseStream, query.Get("backendProfile"))
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.writeErrInfo(w, http.StatusInternalServerError, errinfo.ValidationFailed(errinfo.PhaseStream, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: instruction},
	}
	params := llm.Params{Model: query.Get("model")}

	// The upstream call is deliberately detached from the request
	// context: a client disconnect stops the forwarding, not the model
	// call, which runs to its own completion or timeout. Known
	// resource-leak risk under high disconnect rates.
	upstream := context.WithoutCancel(r.Context())
	clientGone := r.Context().Done()

	writeEvent := func(event string, payload any) {
		select {
		case <-clientGone:
			return
		default:
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	_, err := client.Stream(upstream, messages, params, func(delta string) {
		writeEvent("chunk", map[string]string{"text": delta})
	})
	if err != nil {
		writeEvent("error", map[string]string{"error": err.Error()})
		return
	}
	writeEvent("done", map[string]bool{"done": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := s.trail.Log(limit)
	if err != nil {
		s.writeErrInfo(w, http.StatusInternalServerError, errinfo.VersionTrailFailed(errinfo.PhaseHistory, err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hash string `json:"hash"`
	}
	if !s.decode(w, r, errinfo.PhaseHistory, &req) {
		return
	}
	if req.Hash == "" {
		s.writeErrInfo(w, http.StatusBadRequest, errinfo.ValidationFailed(errinfo.PhaseHistory, "hash is required"))
		return
	}
	if err := s.trail.Revert(req.Hash); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, vcs.ErrRevertConflict) {
			status = http.StatusConflict
		}
		s.writeErrInfo(w, status, errinfo.VersionTrailFailed(errinfo.PhaseHistory, err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ws.List(r.URL.Query().Get("path"))
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	content, err := s.ws.Read(path)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path, "content": content})
}

func (s *Server) handleFilePut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if !s.decode(w, r, errinfo.PhaseFiles, &req) {
		return
	}
	if err := s.ws.Write(req.Path, req.Content); err != nil {
		if errors.Is(err, workspace.ErrOutOfBounds) {
			s.writeErrInfo(w, http.StatusBadRequest, errinfo.OutOfBoundsPath(errinfo.PhaseFiles, err.Error()))
		} else {
			s.writeErrInfo(w, http.StatusInternalServerError, errinfo.FileWriteFailed(errinfo.PhaseFiles, err.Error()))
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"versionTrailResult": s.commitPath(req.Path, "Edit "+req.Path),
	})
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if err := s.ws.Remove(path); err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"versionTrailResult": s.commitPath(path, "Delete "+path),
	})
}

func (s *Server) handleFileDiff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if !s.decode(w, r, errinfo.PhaseFiles, &req) {
		return
	}
	before, err := s.ws.ReadOrEmpty(req.Path)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	lines, truncated := diff.TextDiffWithLimit(before, req.Content, 0)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "lines": lines, "truncated": truncated})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.watcher == nil {
		s.writeErrInfo(w, http.StatusServiceUnavailable, errinfo.ValidationFailed(errinfo.PhaseFiles, "watcher disabled"))
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.writeErrInfo(w, http.StatusInternalServerError, errinfo.ValidationFailed(errinfo.PhaseFiles, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	events, cancel := s.watcher.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) commitPath(path, message string) vcs.CommitResult {
	hash, err := s.trail.Commit([]string{path}, message)
	if err != nil {
		if errors.Is(err, vcs.ErrNothingToCommit) {
			return vcs.CommitResult{OK: false, NoChanges: true}
		}
		s.logger.Error("files.trail_failed", "path", path, "error", err.Error())
		return vcs.CommitResult{OK: false, Error: err.Error()}
	}
	return vcs.CommitResult{OK: true, Hash: hash}
}

func (s *Server) writeWorkspaceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrOutOfBounds):
		s.writeErrInfo(w, http.StatusBadRequest, errinfo.OutOfBoundsPath(errinfo.PhaseFiles, err.Error()))
	case errors.Is(err, os.ErrNotExist):
		s.writeErrInfo(w, http.StatusNotFound, errinfo.FileReadFailed(errinfo.PhaseFiles, err.Error()))
	default:
		s.writeErrInfo(w, http.StatusInternalServerError, errinfo.FileReadFailed(errinfo.PhaseFiles, err.Error()))
	}
}
