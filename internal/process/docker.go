package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleet/internal/config"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ContainerAPI is the subset of the Docker client the launcher uses.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerLauncher runs each instance as a container publishing its port on
// 127.0.0.1:<port>.
type DockerLauncher struct {
	api    ContainerAPI
	cfg    config.Docker
	logger *slog.Logger
}

// NewDockerClient connects to the configured daemon
func NewDockerClient(cfg config.Docker) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker: %w", err)
	}
	return cli, nil
}

// NewDockerLauncher creates a launcher over api
func NewDockerLauncher(api ContainerAPI, cfg config.Docker, logger *slog.Logger) *DockerLauncher {
	if cfg.ContainerPort == 0 {
		cfg.ContainerPort = 8000
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 30000
	}
	return &DockerLauncher{
		api:    api,
		cfg:    cfg,
		logger: logger.With("component", "docker-launcher"),
	}
}

func (l *DockerLauncher) containerName(spec Spec) string {
	return fmt.Sprintf("%s%s-%d", l.cfg.NamePrefix, spec.Service, spec.Port)
}

// Launch creates and starts a container. The container is removed once it
// exits. Daemon calls made here are bounded by the configured timeout.
func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout())
	defer cancel()

	containerPort := nat.Port(strconv.Itoa(l.cfg.ContainerPort) + "/tcp")

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		if k == "PORT" {
			v = strconv.Itoa(l.cfg.ContainerPort)
		}
		env = append(env, k+"="+v)
	}

	created, err := l.api.ContainerCreate(ctx,
		&container.Config{
			Image:        l.cfg.Image,
			Env:          env,
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
			Labels: map[string]string{
				"fleet.service": spec.Service,
				"fleet.port":    strconv.Itoa(spec.Port),
			},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)}},
			},
		},
		nil, nil, l.containerName(spec),
	)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	h := &dockerHandle{api: l.api, id: created.ID, exitState: newExitState()}

	if err := l.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		l.remove(created.ID)
		return nil, fmt.Errorf("start container: %w", err)
	}

	if info, err := l.api.ContainerInspect(ctx, created.ID); err == nil && info.ContainerJSONBase != nil && info.State != nil {
		h.pid = info.State.Pid
	}

	l.watch(h, spec)
	l.logger.Debug("Instance container started", "port", spec.Port, "container", shortID(created.ID), "pid", h.pid)
	return h, nil
}

// watch streams container logs into the log file and finishes the handle
// once the container has stopped and been removed.
func (l *DockerLauncher) watch(h *dockerHandle, spec Spec) {
	var logs sync.WaitGroup

	logFile, err := openLog(spec.LogPath)
	if err != nil {
		l.logger.Warn("Container logs will not be captured", "port", spec.Port, "error", err)
	}
	if logFile != nil {
		rc, err := l.api.ContainerLogs(context.Background(), h.id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			l.logger.Warn("Failed to attach container logs", "port", spec.Port, "error", err)
		} else {
			logs.Add(1)
			go func() {
				defer logs.Done()
				defer rc.Close()
				if _, err := stdcopy.StdCopy(logFile, logFile, rc); err != nil && err != io.EOF {
					l.logger.Debug("Container log stream ended", "port", spec.Port, "error", err)
				}
			}()
		}
	}

	go func() {
		code := l.wait(h.id)
		logs.Wait()
		if logFile != nil {
			logFile.Close()
		}
		l.remove(h.id)
		l.logger.Info("Instance container exited", "port", spec.Port, "container", shortID(h.id), "exit_code", code)
		h.finish(code)
	}()
}

func (l *DockerLauncher) wait(id string) int {
	statusCh, errCh := l.api.ContainerWait(context.Background(), id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			l.logger.Warn("Container wait reported an error", "container", shortID(id), "error", status.Error.Message)
		}
		return int(status.StatusCode)
	case err := <-errCh:
		l.logger.Warn("Container wait failed", "container", shortID(id), "error", err)
		return -1
	}
}

func (l *DockerLauncher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !strings.Contains(err.Error(), "No such container") {
		l.logger.Warn("Failed to remove container", "container", shortID(id), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type dockerHandle struct {
	api ContainerAPI
	id  string
	pid int
	*exitState
}

func (h *dockerHandle) PID() int { return h.pid }

func (h *dockerHandle) Terminate() error { return h.signal("SIGTERM") }

func (h *dockerHandle) Kill() error { return h.signal("SIGKILL") }

func (h *dockerHandle) signal(sig string) error {
	if !h.Alive() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.api.ContainerKill(ctx, h.id, sig)
}

var _ ContainerAPI = (*client.Client)(nil)
