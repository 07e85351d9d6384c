package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/navi/internal/agents"
	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/orchestrator"
	"github.com/example/navi/internal/providers/llm"
	"github.com/example/navi/internal/retrieval"
	"github.com/example/navi/internal/router"
	"github.com/example/navi/internal/tools"
	"github.com/example/navi/internal/workspace"
)

type sseFrame struct {
	event string
	data  map[string]any
}

func readFrames(t *testing.T, body *bufio.Scanner) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	for body.Scan() {
		line := body.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			raw := strings.TrimPrefix(line, "data: ")
			if raw != "[DONE]" {
				require.NoError(t, json.Unmarshal([]byte(raw), &cur.data))
			}
		case line == "" && cur.event != "":
			frames = append(frames, cur)
			cur = sseFrame{}
		}
	}
	return frames
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	reg := llm.NewRegistry()
	reg.Register("mock", func(string) llm.Client { return &llm.MockClient{} })
	r := router.New(router.DefaultTable(nil), router.NewLedger(), reg)
	engine := retrieval.New(workspace.Resolver{}, retrieval.Options{})
	o := orchestrator.New(
		&agents.LLMPlanner{Router: r},
		&agents.ToolExecutor{Registry: tools.NewDefault(tools.Options{Search: engine, Refresh: engine}, nil)},
		orchestrator.Config{RAGEnabled: true},
		orchestrator.WithRetriever(engine), orchestrator.WithRoutes(r))

	srv := httptest.NewServer((&Server{Orchestrator: o, Index: engine, Usage: r, Heartbeat: time.Second}).Routes())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, o.Shutdown(ctx))
		engine.Close()
	})
	return srv, root
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(b)))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatStreamFrames(t *testing.T) {
	srv, root := newTestServer(t)
	resp := postJSON(t, srv.URL+"/chat/stream", models.Request{Message: "Explain the codebase", Workspace: root})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, bufio.NewScanner(resp.Body))
	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, "status", frames[0].event)
	assert.Equal(t, "planning", frames[0].data["phase"])
	assert.EqualValues(t, 1, frames[0].data["seq"])

	complete := frames[len(frames)-2]
	assert.Equal(t, "complete", complete.event)
	assert.Equal(t, true, complete.data["success"])
	assert.Equal(t, "done", frames[len(frames)-1].event)

	var sawText bool
	for _, f := range frames {
		if f.event == "text" {
			sawText = true
			assert.Contains(t, f.data["narration"], "Explain the codebase")
		}
	}
	assert.True(t, sawText)
}

func TestChatStreamRejectsBadRequests(t *testing.T) {
	srv, root := newTestServer(t)

	resp := postJSON(t, srv.URL+"/chat/stream", models.Request{Workspace: root})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/chat/stream", models.Request{Message: "hi", Workspace: filepath.Join(root, "missing")})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err := http.Post(srv.URL+"/chat/stream", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartAndGetTask(t *testing.T) {
	srv, root := newTestServer(t)
	resp := postJSON(t, srv.URL+"/tasks", models.Request{Message: "hello", Workspace: root})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	id := started["id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/tasks/" + id)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var task models.Task
		if json.NewDecoder(r.Body).Decode(&task) != nil {
			return false
		}
		return task.Status == models.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	r, err := http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	defer r.Body.Close()
	var tasks []models.Task
	require.NoError(t, json.NewDecoder(r.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)

	r2, err := http.Get(srv.URL + "/tasks/nope")
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, http.StatusNotFound, r2.StatusCode)
}

func TestSearchColdThenIndexed(t *testing.T) {
	srv, root := newTestServer(t)

	resp := postJSON(t, srv.URL+"/search", searchRequest{Workspace: root, Query: "main"})
	var first searchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	resp.Body.Close()
	assert.False(t, first.HadIndex)
	assert.Empty(t, first.Chunks)

	require.Eventually(t, func() bool {
		r := postJSON(t, srv.URL+"/search", searchRequest{Workspace: root, Query: "main", K: 3})
		defer r.Body.Close()
		var res searchResponse
		return json.NewDecoder(r.Body).Decode(&res) == nil && res.HadIndex && len(res.Chunks) > 0
	}, 10*time.Second, 50*time.Millisecond)

	r, err := http.Get(srv.URL + "/index/status?workspace=" + root)
	require.NoError(t, err)
	defer r.Body.Close()
	var st retrieval.Status
	require.NoError(t, json.NewDecoder(r.Body).Decode(&st))
	assert.True(t, st.Indexed)
	assert.Equal(t, 1, st.Generation)
}

func TestRoutesUsage(t *testing.T) {
	srv, root := newTestServer(t)
	resp := postJSON(t, srv.URL+"/chat/stream", models.Request{Message: "hi", Workspace: root})
	readFrames(t, bufio.NewScanner(resp.Body))
	resp.Body.Close()

	r, err := http.Get(srv.URL + "/routes/usage")
	require.NoError(t, err)
	defer r.Body.Close()
	var usage []router.RouteUsage
	require.NoError(t, json.NewDecoder(r.Body).Decode(&usage))
	assert.NotEmpty(t, usage)
}

func TestWorkspaceOutsideBaseIsBadRequest(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "proj"), 0o755))
	ws := workspace.Resolver{Base: base}
	engine := retrieval.New(ws, retrieval.Options{})
	o := orchestrator.New(
		plannerOf("ok"),
		&agents.ToolExecutor{Registry: tools.NewDefault(tools.Options{}, nil)},
		orchestrator.Config{},
		orchestrator.WithWorkspaces(ws))
	srv := httptest.NewServer((&Server{Orchestrator: o, Index: engine}).Routes())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, o.Shutdown(ctx))
		engine.Close()
	})

	resp := postJSON(t, srv.URL+"/chat/stream", models.Request{Message: "hi", Workspace: "../x"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/search", searchRequest{Workspace: "../x", Query: "q"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/tasks", models.Request{Message: "hi", Workspace: "proj"})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

type plannerOf string

func (p plannerOf) Next(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
	return agents.Decision{Action: models.Action{Kind: models.ActionFinal, Text: string(p)}}, nil
}
