package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/retrieval"
	"github.com/example/navi/internal/workspace"
)

func testEnv(t *testing.T) Env {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "a.go"), []byte("package pkg\n\nfunc Answer() int { return 42 }\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# Demo\nThe Answer lives in pkg.\n"), 0o644))
	dir, err := workspace.Resolver{}.Resolve(root)
	require.NoError(t, err)
	return Env{Workspace: dir}
}

type refreshRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *refreshRecorder) Refresh(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func call(name string, input map[string]any) models.ToolCall {
	return models.ToolCall{ID: "c1", Name: name, Input: input}
}

func TestReadFile(t *testing.T) {
	env := testEnv(t)
	r := NewDefault(Options{}, nil)

	res := r.Execute(context.Background(), env, call("read_file", map[string]any{"path": "pkg/a.go"}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "c1", res.CallID)
	assert.Contains(t, res.Output, "func Answer")
	assert.Equal(t, "read pkg/a.go (3 lines)", res.Summary)

	res = r.Execute(context.Background(), env, call("read_file", map[string]any{"path": "."}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "README.md\npkg/", res.Output)

	res = r.Execute(context.Background(), env, call("read_file", map[string]any{"path": "README.md", "max_bytes": 6.0}))
	require.True(t, res.OK)
	assert.Equal(t, "# Demo", res.Output)
	assert.Contains(t, res.Summary, "truncated")
}

func TestToolErrorsAreTyped(t *testing.T) {
	env := testEnv(t)
	r := NewDefault(Options{}, nil)
	cases := []struct {
		call models.ToolCall
		want ErrorKind
	}{
		{call("read_file", map[string]any{}), InvalidParameters},
		{call("read_file", map[string]any{"path": 3.0}), InvalidParameters},
		{call("read_file", map[string]any{"path": "../../etc/passwd"}), PermissionDenied},
		{call("read_file", map[string]any{"path": "/etc/passwd"}), PermissionDenied},
		{call("read_file", map[string]any{"path": "missing.go"}), ExecutionFailed},
		{call("write_file", map[string]any{"path": "x.txt"}), InvalidParameters},
		{call("write_file", map[string]any{"path": "../x.txt", "content": "x"}), PermissionDenied},
		{call("run_command", map[string]any{"command": "sudo ls"}), PermissionDenied},
		{call("run_command", map[string]any{"command": "rm -rf /"}), PermissionDenied},
		{call("run_command", map[string]any{"command": "exit 3"}), ExecutionFailed},
		{call("run_command", map[string]any{"command": "sleep 5", "timeout_ms": 100.0}), Timeout},
		{call("search", map[string]any{"query": "x", "k": "many"}), InvalidParameters},
		{call("delete_everything", nil), InvalidParameters},
	}
	for _, tc := range cases {
		res := r.Execute(context.Background(), env, tc.call)
		assert.False(t, res.OK, "%s %v", tc.call.Name, tc.call.Input)
		assert.Equal(t, string(tc.want), res.ErrorKind, "%s %v: %s", tc.call.Name, tc.call.Input, res.Error)
		assert.True(t, strings.HasPrefix(res.Summary, string(tc.want)+": "))
	}
}

func TestWriteFileIsAtomicAndReportsDiff(t *testing.T) {
	env := testEnv(t)
	rec := &refreshRecorder{}
	r := NewDefault(Options{Refresh: rec}, nil)

	res := r.Execute(context.Background(), env, call("write_file", map[string]any{
		"path":    "pkg/a.go",
		"content": "package pkg\n\nfunc Answer() int { return 43 }\n\nfunc Question() string { return \"?\" }\n",
	}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "wrote pkg/a.go (+3 -1 lines)", res.Summary)
	assert.Contains(t, res.Output, "+func Answer() int { return 43 }")

	b, err := os.ReadFile(filepath.Join(env.Workspace.Root, "pkg", "a.go"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Question")

	res = r.Execute(context.Background(), env, call("write_file", map[string]any{"path": "new/dir/b.txt", "content": ""}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "wrote new/dir/b.txt (+0 -0 lines)", res.Summary)

	entries, err := os.ReadDir(filepath.Join(env.Workspace.Root, "pkg"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, []string{env.Workspace.ID, env.Workspace.ID}, rec.ids)
}

func TestRunCommand(t *testing.T) {
	env := testEnv(t)
	r := NewDefault(Options{}, nil)

	res := r.Execute(context.Background(), env, call("run_command", map[string]any{"command": "ls pkg && echo err >&2"}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "a.go\nerr\n", res.Output)

	res = r.Execute(context.Background(), env, call("run_command", map[string]any{"command": "echo boom; exit 2"}))
	assert.False(t, res.OK)
	assert.Equal(t, "boom\n", res.Output)
	assert.Contains(t, res.Error, "status 2")
}

func TestRunShellCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := RunShell(ctx, t.TempDir(), "sleep 10", time.Minute, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abcdefghij"))
	_, _ = b.Write([]byte("kl"))
	assert.Equal(t, "ijkl", b.String())
	assert.True(t, b.dropped)
}

type fakeIndex struct {
	had    bool
	chunks []retrieval.Chunk
}

func (f fakeIndex) Search(ctx context.Context, ws, q string, k int) ([]retrieval.Chunk, bool, error) {
	return f.chunks, f.had, nil
}

func TestSearchSemanticAndFallback(t *testing.T) {
	env := testEnv(t)

	semantic := NewDefault(Options{Search: fakeIndex{had: true, chunks: []retrieval.Chunk{
		{Path: "pkg/a.go", StartLine: 1, EndLine: 3, Text: "func Answer() int", Score: 0.9},
	}}}, nil)
	res := semantic.Execute(context.Background(), env, call("search", map[string]any{"query": "answer"}))
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Output, "### pkg/a.go:1-3")
	assert.Equal(t, `1 semantic matches for "answer"`, res.Summary)

	literal := NewDefault(Options{Search: fakeIndex{had: false}}, nil)
	res = literal.Execute(context.Background(), env, call("search", map[string]any{"query": "ANSWER"}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "README.md:2: The Answer lives in pkg.\npkg/a.go:3: func Answer() int { return 42 }", res.Output)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("run_command")
	assert.True(t, ok)
	assert.Equal(t, KindRunCommand, k)
	_, ok = ParseKind("call_tool")
	assert.False(t, ok)
	assert.Equal(t, []Kind{KindReadFile, KindRunCommand, KindSearch, KindWriteFile}, NewDefault(Options{}, nil).Kinds())
}

func TestRunCommandStaysInsideWorkspace(t *testing.T) {
	env := testEnv(t)
	r := NewDefault(Options{}, nil)
	outside := filepath.Join(filepath.Dir(env.Workspace.Root), "escaped")

	denied := []string{
		"echo x > ../f",
		"echo x >> " + outside,
		"cat /etc/passwd",
		"cd .. && ls",
		"cd /tmp; touch x",
		"cd pkg && cat ../../f",
		"cd",
		"ls ~/.ssh",
		"cat $HOME/.netrc",
		"cp pkg/a.go " + outside,
		"go build -o=../bin ./...",
		"sh ../script.sh",
		"echo $(cat ../f)",
		"echo x >& ../f",
	}
	for _, cmd := range denied {
		res := r.Execute(context.Background(), env, call("run_command", map[string]any{"command": cmd}))
		assert.False(t, res.OK, cmd)
		assert.Equal(t, string(PermissionDenied), res.ErrorKind, "%s: %s", cmd, res.Error)
	}
	_, err := os.Stat(filepath.Join(filepath.Dir(env.Workspace.Root), "f"))
	assert.True(t, os.IsNotExist(err))

	allowed := []string{
		"cd pkg && ls a.go",
		"ls " + filepath.Join(env.Workspace.Root, "pkg"),
		"cat README.md 2>/dev/null >&2",
		"grep -rn Answer . | head -n 1",
		"/bin/echo ok",
	}
	for _, cmd := range allowed {
		res := r.Execute(context.Background(), env, call("run_command", map[string]any{"command": cmd}))
		assert.True(t, res.OK, "%s: %s", cmd, res.Error)
	}
}

func TestConfineRejectsUnparsableCommands(t *testing.T) {
	env := testEnv(t)
	err := Confine(env.Workspace, "echo 'unterminated")
	assert.Equal(t, InvalidParameters, KindOf(err))
}
