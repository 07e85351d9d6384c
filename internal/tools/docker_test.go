package tools

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContainers records what the runner asks of the daemon. With block set,
// ContainerWait only returns once its context ends.
type fakeContainers struct {
	mu      sync.Mutex
	config  *container.Config
	host    *container.HostConfig
	removed []string
	exit    int64
	block   bool
	stdout  string
	stderr  string
}

func (f *fakeContainers) ContainerCreate(ctx context.Context, config *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config, f.host = config, host
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeContainers) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeContainers) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if !f.block {
		waitCh <- container.WaitResponse{StatusCode: f.exit}
		return waitCh, errCh
	}
	go func() {
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return waitCh, errCh
}

func (f *fakeContainers) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeContainers) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Force {
		f.removed = append(f.removed, id)
	}
	return nil
}

func TestDockerRunnerMountsOnlyWorkspace(t *testing.T) {
	api := &fakeContainers{exit: 2, stdout: "out\n", stderr: "err\n"}
	r := newDockerRunner(api, SandboxConfig{}, nil)
	root := t.TempDir()

	res, err := r.Run(context.Background(), root, "make test", time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "out\nerr\n", res.Output)
	assert.False(t, res.TimedOut)

	assert.Equal(t, []string{"sh", "-c", "make test"}, []string(api.config.Cmd))
	assert.Equal(t, "alpine:3.20", api.config.Image)
	assert.Equal(t, root, api.config.WorkingDir)
	assert.True(t, api.config.NetworkDisabled)
	assert.Equal(t, []mount.Mount{{Type: mount.TypeBind, Source: root, Target: root}}, api.host.Mounts)
	assert.Equal(t, container.NetworkMode("none"), api.host.NetworkMode)
	assert.Equal(t, []string{"ALL"}, []string(api.host.CapDrop))
	assert.Equal(t, []string{"c0ffee"}, api.removed)
}

func TestDockerRunnerTimeoutRemovesContainer(t *testing.T) {
	api := &fakeContainers{block: true, stdout: "partial\n"}
	r := newDockerRunner(api, SandboxConfig{Image: "golang:1.24", Network: true}, nil)

	res, err := r.Run(context.Background(), t.TempDir(), "sleep 60", 50*time.Millisecond, 0)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "partial\n", res.Output)
	assert.Equal(t, container.NetworkMode("bridge"), api.host.NetworkMode)
	assert.Equal(t, []string{"c0ffee"}, api.removed)
}

func TestDockerRunnerCancellation(t *testing.T) {
	api := &fakeContainers{block: true}
	r := newDockerRunner(api, SandboxConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Run(ctx, t.TempDir(), "sleep 60", time.Minute, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"c0ffee"}, api.removed)
}

func TestRunCommandUsesConfiguredRunner(t *testing.T) {
	env := testEnv(t)
	api := &fakeContainers{stdout: "from sandbox\n"}
	r := NewDefault(Options{Runner: newDockerRunner(api, SandboxConfig{}, nil)}, nil)

	res := r.Execute(context.Background(), env, call("run_command", map[string]any{"command": "ls pkg"}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "from sandbox\n", res.Output)
	assert.Equal(t, env.Workspace.Root, api.config.WorkingDir)

	res = r.Execute(context.Background(), env, call("run_command", map[string]any{"command": "cat ../secret"}))
	assert.False(t, res.OK)
	assert.Equal(t, string(PermissionDenied), res.ErrorKind)
}
