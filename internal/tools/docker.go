package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/example/navi/internal/logging"
)

// SandboxConfig describes the container a DockerRunner starts per command.
type SandboxConfig struct {
	Image    string
	MemoryMB int64
	CPUs     float64
	// Network gives the container a bridge network; without it the
	// container has no network at all.
	Network bool
}

func (c SandboxConfig) withDefaults() SandboxConfig {
	if c.Image == "" {
		c.Image = "alpine:3.20"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 1024
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	return c
}

// containerAPI is the part of the Docker client the runner uses.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRunner runs every command in a fresh container. The workspace root
// is the only host directory it sees, bind-mounted at the same path so that
// absolute paths inside the workspace mean the same thing.
type DockerRunner struct {
	cfg    SandboxConfig
	api    containerAPI
	closer io.Closer
	logger *zap.Logger
}

// NewDockerRunner connects to the daemon named by the DOCKER_* environment.
func NewDockerRunner(cfg SandboxConfig, logger *zap.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	r := newDockerRunner(cli, cfg, logger)
	r.closer = cli
	return r, nil
}

func newDockerRunner(api containerAPI, cfg SandboxConfig, logger *zap.Logger) *DockerRunner {
	return &DockerRunner{cfg: cfg.withDefaults(), api: api, logger: logging.OrNop(logger)}
}

func (d *DockerRunner) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func (d *DockerRunner) Run(ctx context.Context, dir, command string, timeout time.Duration, maxOutput int) (CommandResult, error) {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	netMode := container.NetworkMode("none")
	if d.cfg.Network {
		netMode = "bridge"
	}
	start := time.Now()
	created, err := d.api.ContainerCreate(runCtx, &container.Config{
		Image:           d.cfg.Image,
		Cmd:             []string{"sh", "-c", command},
		WorkingDir:      dir,
		NetworkDisabled: !d.cfg.Network,
	}, &container.HostConfig{
		Mounts:      []mount.Mount{{Type: mount.TypeBind, Source: dir, Target: dir}},
		NetworkMode: netMode,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   d.cfg.MemoryMB << 20,
			NanoCPUs: int64(d.cfg.CPUs * 1e9),
		},
	}, nil, nil, "")
	if err != nil {
		return CommandResult{}, d.runError(ctx, "create sandbox", err)
	}
	id := created.ID
	defer d.remove(context.WithoutCancel(ctx), id)

	if err := d.api.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return CommandResult{}, d.runError(ctx, "start sandbox", err)
	}

	res := CommandResult{ExitCode: -1}
	waitCh, errCh := d.api.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		if w.Error != nil {
			return res, fmt.Errorf("sandbox wait: %s", w.Error.Message)
		}
		res.ExitCode = int(w.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("sandbox wait: %w", err)
		}
		res.TimedOut = true
	}
	res.Duration = time.Since(start)

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	out, truncated, err := d.logs(logCtx, id, maxOutput)
	res.Output, res.Truncated = out, truncated
	if err != nil {
		d.logger.Warn("could not read sandbox output", zap.String("container", id), zap.Error(err))
	}
	return res, nil
}

func (d *DockerRunner) runError(ctx context.Context, what string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (d *DockerRunner) logs(ctx context.Context, id string, maxOutput int) (string, bool, error) {
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", false, err
	}
	defer rc.Close()
	buf := &tailBuffer{max: maxOutput}
	_, err = stdcopy.StdCopy(buf, buf, rc)
	out := buf.String()
	return out, buf.dropped, err
}

func (d *DockerRunner) remove(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("could not remove sandbox container", zap.String("container", id), zap.Error(err))
	}
}
