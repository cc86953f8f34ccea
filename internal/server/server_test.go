package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"draftsman/internal/apply"
	"draftsman/internal/llm"
	"draftsman/internal/vcs"
	"draftsman/internal/workspace"
)

type fakeModel struct {
	profile      string
	reply        string
	err          error
	streamChunks []string
	streamErr    error
	calls        int
}

func (f *fakeModel) Profile() string { return f.profile }

func (f *fakeModel) Generate(_ context.Context, _ []llm.Message, _ llm.Params) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeModel) Stream(_ context.Context, _ []llm.Message, _ llm.Params, onDelta func(string)) (string, error) {
	if f.streamErr != nil {
		return "", f.streamErr
	}
	var full strings.Builder
	for _, c := range f.streamChunks {
		full.WriteString(c)
		if onDelta != nil {
			onDelta(c)
		}
	}
	return full.String(), nil
}

type fakeGit struct{}

func (fakeGit) run(dir string, args ...string) (string, error) {
	switch {
	case args[0] == "diff":
		return "", errors.New("exit status 1")
	case args[0] == "rev-parse" && args[1] == "HEAD":
		return "cafebabe\n", nil
	case args[0] == "log":
		return "cafebabe\tdraftsman\t2026-08-24 10:00:00 +0000\tApply batch", nil
	}
	return "", nil
}

func newTestServer(t *testing.T, model *fakeModel, modelErr error) (*Server, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	trail := vcs.NewWithRunner(ws.Root(), fakeGit{}.run, nil)
	coord := apply.NewCoordinator(ws, trail, nil)
	backends := func(profile string) (ModelClient, error) {
		if modelErr != nil {
			return nil, modelErr
		}
		return model, nil
	}
	return New(ws, coord, trail, backends, nil, nil), ws
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		OK    bool `json:"ok"`
		Error struct {
			ErrorCode string `json:"error_code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.OK {
		t.Fatalf("expected ok=false, body %q", rec.Body.String())
	}
	return body.Error.ErrorCode
}

func TestProposeReturnsActionsAndDiffs(t *testing.T) {
	model := &fakeModel{
		profile: "hosted",
		reply:   `{"actions":[{"kind":"create","path":"hello.txt","content":"hi\n"}],"assistant_text":"created a greeting"}`,
	}
	srv, ws := newTestServer(t, model, nil)
	rec := do(t, srv, http.MethodPost, "/api/propose", `{"instruction":"make hello.txt"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Provider           string `json:"provider"`
		AssistantNarrative string `json:"assistantNarrative"`
		Actions            []struct {
			Kind string `json:"kind"`
			Path string `json:"path"`
		} `json:"actions"`
		Diffs []struct {
			OK   bool   `json:"ok"`
			Diff string `json:"diff"`
		} `json:"diffs"`
	}
	decodeBody(t, rec, &body)
	if body.Provider != "hosted" || body.AssistantNarrative != "created a greeting" {
		t.Fatalf("unexpected envelope %+v", body)
	}
	if len(body.Actions) != 1 || body.Actions[0].Path != "hello.txt" {
		t.Fatalf("unexpected actions %+v", body.Actions)
	}
	if len(body.Diffs) != 1 || !body.Diffs[0].OK || !strings.Contains(body.Diffs[0].Diff, "+hi") {
		t.Fatalf("unexpected diffs %+v", body.Diffs)
	}
	if ws.Exists("hello.txt") {
		t.Fatalf("propose must not write the workspace")
	}
}

func TestProposeMalformedStaysTwoHundred(t *testing.T) {
	model := &fakeModel{profile: "hosted", reply: "I cannot answer in JSON, sorry."}
	srv, _ := newTestServer(t, model, nil)
	rec := do(t, srv, http.MethodPost, "/api/propose", `{"instruction":"do something"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("malformed output must degrade, not fail: %d", rec.Code)
	}
	var body struct {
		AssistantNarrative string            `json:"assistantNarrative"`
		Actions            []json.RawMessage `json:"actions"`
	}
	decodeBody(t, rec, &body)
	if len(body.Actions) != 0 {
		t.Fatalf("expected no actions, got %d", len(body.Actions))
	}
	if body.AssistantNarrative != model.reply {
		t.Fatalf("raw text must survive as narrative, got %q", body.AssistantNarrative)
	}
}

func TestProposeMissingInstruction(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	rec := do(t, srv, http.MethodPost, "/api/propose", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "VALIDATION_FAILED" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestProposeMissingCredential(t *testing.T) {
	srv, _ := newTestServer(t, nil, llm.ErrMissingCredential)
	rec := do(t, srv, http.MethodPost, "/api/propose", `{"instruction":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "MISSING_CREDENTIAL" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestProposeUpstreamFailure(t *testing.T) {
	model := &fakeModel{profile: "hosted", err: &llm.StatusError{Status: 500, Body: "boom"}}
	srv, _ := newTestServer(t, model, nil)
	rec := do(t, srv, http.MethodPost, "/api/propose", `{"instruction":"x"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "UPSTREAM_BACKEND_ERROR" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestApplyEndpoint(t *testing.T) {
	srv, ws := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	payload := `{"actions":[{"kind":"create","path":"made.txt","content":"done\n"}],"commitMessage":"create made.txt"}`
	rec := do(t, srv, http.MethodPost, "/api/apply", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		OK    bool `json:"ok"`
		Trail struct {
			OK   bool   `json:"ok"`
			Hash string `json:"hash"`
		} `json:"versionTrailResult"`
		ChangedFiles map[string]string `json:"changedFiles"`
	}
	decodeBody(t, rec, &body)
	if !body.OK || !body.Trail.OK || body.Trail.Hash != "cafebabe" {
		t.Fatalf("unexpected apply result %+v", body)
	}
	if body.ChangedFiles["made.txt"] != "done\n" {
		t.Fatalf("expected changed-files entry, got %+v", body.ChangedFiles)
	}
	if got, _ := ws.Read("made.txt"); got != "done\n" {
		t.Fatalf("expected file written, got %q", got)
	}
}

func TestStreamEmitsChunksAndDone(t *testing.T) {
	model := &fakeModel{profile: "hosted", streamChunks: []string{"partial ", "answer"}}
	srv, _ := newTestServer(t, model, nil)
	rec := do(t, srv, http.MethodGet, "/api/stream?instruction=hello", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `event: chunk`) || !strings.Contains(out, `"partial "`) {
		t.Fatalf("missing chunk events: %q", out)
	}
	if !strings.Contains(out, "event: done") {
		t.Fatalf("missing done event: %q", out)
	}
}

func TestStreamUpstreamError(t *testing.T) {
	model := &fakeModel{profile: "hosted", streamErr: &llm.StatusError{Status: 502, Body: "gone"}}
	srv, _ := newTestServer(t, model, nil)
	rec := do(t, srv, http.MethodGet, "/api/stream?instruction=hello", "")
	out := rec.Body.String()
	if !strings.Contains(out, "event: error") {
		t.Fatalf("expected error event, got %q", out)
	}
	if strings.Contains(out, "event: done") {
		t.Fatalf("done must not follow error: %q", out)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	rec := do(t, srv, http.MethodGet, "/api/history?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		OK      bool `json:"ok"`
		Entries []struct {
			Hash    string `json:"hash"`
			Subject string `json:"subject"`
		} `json:"entries"`
	}
	decodeBody(t, rec, &body)
	if !body.OK || len(body.Entries) != 1 || body.Entries[0].Hash != "cafebabe" {
		t.Fatalf("unexpected history %+v", body)
	}
}

func TestRevertMissingHash(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	rec := do(t, srv, http.MethodPost, "/api/revert", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTreeOutOfBounds(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	rec := do(t, srv, http.MethodGet, "/api/tree?path=../outside", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "OUT_OF_BOUNDS_PATH" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestFileGetMissing(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	rec := do(t, srv, http.MethodGet, "/api/file?path=absent.txt", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestFilePutAndGet(t *testing.T) {
	srv, ws := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	rec := do(t, srv, http.MethodPut, "/api/file", `{"path":"note.txt","content":"remember\n"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		OK    bool `json:"ok"`
		Trail struct {
			OK bool `json:"ok"`
		} `json:"versionTrailResult"`
	}
	decodeBody(t, rec, &body)
	if !body.OK || !body.Trail.OK {
		t.Fatalf("unexpected put response %+v", body)
	}
	if got, _ := ws.Read("note.txt"); got != "remember\n" {
		t.Fatalf("expected write, got %q", got)
	}

	rec = do(t, srv, http.MethodGet, "/api/file?path=note.txt", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var getBody struct {
		Content string `json:"content"`
	}
	decodeBody(t, rec, &getBody)
	if getBody.Content != "remember\n" {
		t.Fatalf("unexpected content %q", getBody.Content)
	}
}

func TestFileDelete(t *testing.T) {
	srv, ws := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	if err := ws.Write("gone.txt", "bye\n"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec := do(t, srv, http.MethodDelete, "/api/file?path=gone.txt", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ws.Exists("gone.txt") {
		t.Fatalf("expected file removed")
	}
}

func TestFileDiffEndpoint(t *testing.T) {
	srv, ws := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	if err := ws.Write("doc.txt", "old line\n"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec := do(t, srv, http.MethodPost, "/api/file/diff", `{"path":"doc.txt","content":"new line\n"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		OK    bool `json:"ok"`
		Lines []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"lines"`
		Truncated bool `json:"truncated"`
	}
	decodeBody(t, rec, &body)
	if !body.OK || body.Truncated {
		t.Fatalf("unexpected response %+v", body)
	}
	var sawRemoved, sawAdded bool
	for _, line := range body.Lines {
		if line.Type == "removed" && line.Text == "old line" {
			sawRemoved = true
		}
		if line.Type == "added" && line.Text == "new line" {
			sawAdded = true
		}
	}
	if !sawRemoved || !sawAdded {
		t.Fatalf("expected removed+added lines, got %+v", body.Lines)
	}
}

func TestEventsWithoutWatcher(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	rec := do(t, srv, http.MethodGet, "/api/events", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without watcher, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModel{profile: "hosted"}, nil)
	rec := do(t, srv, http.MethodGet, "/api/propose", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
