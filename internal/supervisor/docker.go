package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"automation/internal/config"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// DockerConfig configures container launches.
type DockerConfig struct {
	Network     string  // container network mode, empty for the daemon default
	CPUs        float64 // 0 for no limit
	MemoryMB    int64   // 0 for no limit
	StopTimeout int     // seconds given to ContainerStop during cleanup
	PullImages  bool    // pull images missing on the daemon
}

// LoadDockerConfigFromEnv loads container launch settings.
func LoadDockerConfigFromEnv() DockerConfig {
	return DockerConfig{
		Network:     config.GetEnv("DOCKER_NETWORK", ""),
		CPUs:        float64(config.GetIntEnv("WORKER_CPUS", 0)),
		MemoryMB:    int64(config.GetIntEnv("WORKER_MEMORY_MB", 0)),
		StopTimeout: config.GetIntEnv("WORKER_STOP_TIMEOUT", 10),
		PullImages:  config.GetBoolEnv("DOCKER_PULL_IMAGES", true),
	}
}

// DockerLauncher runs workers in containers on the host Docker daemon. The
// job directory and read-only inputs are bind-mounted at their host paths, so
// commands need no path translation.
type DockerLauncher struct {
	client *client.Client
	cfg    DockerConfig
}

// NewDockerLauncher connects to the daemon configured in the environment.
func NewDockerLauncher(cfg DockerConfig) (*DockerLauncher, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLauncher{client: dockerClient, cfg: cfg}, nil
}

// Ready pings the daemon.
func (d *DockerLauncher) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close releases the client.
func (d *DockerLauncher) Close() error {
	return d.client.Close()
}

func (d *DockerLauncher) Start(ctx context.Context, c Command) (Process, error) {
	if d.cfg.PullImages {
		if err := d.pullImageIfNeeded(ctx, c.Image); err != nil {
			return nil, fmt.Errorf("pull image %s: %w", c.Image, err)
		}
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: c.Dir,
		Target: c.Dir,
	}}
	for _, dir := range c.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   dir,
			Target:   dir,
			ReadOnly: true,
		})
	}

	containerConfig := &container.Config{
		Image:      c.Image,
		Cmd:        append([]string{c.Path}, c.Args...),
		Env:        c.Env,
		WorkingDir: c.Dir,
		Labels: map[string]string{
			"job.id":     c.JobID,
			"job.type":   "worker",
			"managed-by": "automation-service",
		},
	}
	hostConfig := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(d.cfg.Network),
		Resources: container.Resources{
			NanoCPUs: int64(d.cfg.CPUs * 1e9),
			Memory:   d.cfg.MemoryMB * 1024 * 1024,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "automation-"+c.JobID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.remove(resp.ID)
		return nil, fmt.Errorf("start container: %w", err)
	}

	// The container outlives ctx; its own context ends when it is removed.
	procCtx, cancel := context.WithCancel(context.Background())
	logs, err := d.client.ContainerLogs(procCtx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		cancel()
		d.remove(resp.ID)
		return nil, fmt.Errorf("attach logs: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &containerProcess{
		launcher: d,
		id:       resp.ID,
		ctx:      procCtx,
		cancel:   cancel,
		stdout:   stdoutR,
		stderr:   stderrR,
	}
	go demux(logs, stdoutW, stderrW)
	return p, nil
}

// demux splits Docker's multiplexed log stream: each frame has an 8-byte
// header whose first byte is the stream and last four bytes the payload size.
func demux(logs io.ReadCloser, stdout, stderr *io.PipeWriter) {
	defer logs.Close()
	var err error
	defer func() {
		stdout.CloseWithError(err)
		stderr.CloseWithError(err)
	}()

	header := make([]byte, 8)
	for {
		if _, err = io.ReadFull(logs, header); err != nil {
			if err == io.EOF {
				err = nil
			}
			return
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err = io.CopyN(dst, logs, int64(size)); err != nil {
			return
		}
	}
}

func (d *DockerLauncher) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := d.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerLauncher) remove(containerID string) {
	ctx := context.Background()
	timeout := d.cfg.StopTimeout
	_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Debug("Failed to remove container", "containerId", containerID, "error", err)
	}
}

type containerProcess struct {
	launcher *DockerLauncher
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	stdout   io.Reader
	stderr   io.Reader
	once     sync.Once
}

func (p *containerProcess) Stdout() io.Reader { return p.stdout }
func (p *containerProcess) Stderr() io.Reader { return p.stderr }

func (p *containerProcess) Wait() (int, error) {
	defer p.once.Do(func() {
		p.cancel()
		p.launcher.remove(p.id)
	})

	statusCh, errCh := p.launcher.client.ContainerWait(p.ctx, p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (p *containerProcess) Terminate() error {
	return p.launcher.client.ContainerKill(p.ctx, p.id, "SIGTERM")
}

func (p *containerProcess) Kill() error {
	return p.launcher.client.ContainerKill(p.ctx, p.id, "SIGKILL")
}

// mountsFor returns the distinct directories holding the executable and inputs.
func mountsFor(executable string, inputs []string) []string {
	seen := map[string]struct{}{}
	for _, p := range append([]string{executable}, inputs...) {
		if abs, err := filepath.Abs(filepath.Dir(p)); err == nil {
			seen[abs] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}
