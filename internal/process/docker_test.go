package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"fleet/internal/config"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainerAPI struct {
	mu       sync.Mutex
	created  *container.Config
	host     *container.HostConfig
	name     string
	signals  []string
	removed  bool
	startErr error
	exitCh   chan container.WaitResponse
	// stall makes ContainerCreate block until its context ends.
	stall bool
}

func newFakeContainerAPI() *fakeContainerAPI {
	return &fakeContainerAPI{exitCh: make(chan container.WaitResponse, 1)}
}

func (f *fakeContainerAPI) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.stall {
		<-ctx.Done()
		return container.CreateResponse{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created, f.host, f.name = cfg, host, name
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeContainerAPI) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	return f.startErr
}

func (f *fakeContainerAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{Pid: 4321}},
	}, nil
}

func (f *fakeContainerAPI) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.exitCh, make(chan error)
}

func (f *fakeContainerAPI) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("listening\n"))
	stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("warming up\n"))
	return io.NopCloser(&buf), nil
}

func (f *fakeContainerAPI) ContainerKill(ctx context.Context, id, sig string) error {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	f.mu.Unlock()
	if sig == "SIGKILL" {
		f.exitCh <- container.WaitResponse{StatusCode: 137}
	}
	return nil
}

func (f *fakeContainerAPI) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = opts.Force
	return nil
}

func TestDockerLauncherLaunchAndKill(t *testing.T) {
	api := newFakeContainerAPI()
	l := NewDockerLauncher(api, config.Docker{Image: "inventory:latest", ContainerPort: 8000, NamePrefix: "fleet-"}, slog.Default())
	logPath := LogPathFor(t.TempDir(), "inv", 8001)

	h, err := l.Launch(context.Background(), Spec{
		Port:    8001,
		Service: "inv1",
		LogPath: logPath,
		Env:     map[string]string{"PORT": "8001", "SERVICE": "inv1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4321, h.PID())
	assert.True(t, h.Alive())

	api.mu.Lock()
	assert.Equal(t, "fleet-inv1-8001", api.name)
	assert.Equal(t, "inventory:latest", api.created.Image)
	assert.ElementsMatch(t, []string{"PORT=8000", "SERVICE=inv1"}, api.created.Env)
	bindings := api.host.PortBindings[nat.Port("8000/tcp")]
	api.mu.Unlock()
	require.Len(t, bindings, 1)
	assert.Equal(t, "8001", bindings[0].HostPort)
	assert.Equal(t, "127.0.0.1", bindings[0].HostIP)

	require.NoError(t, h.Terminate())
	require.NoError(t, h.Kill())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle not done after kill")
	}
	assert.Equal(t, 137, h.ExitCode())

	api.mu.Lock()
	assert.Equal(t, []string{"SIGTERM", "SIGKILL"}, api.signals)
	assert.True(t, api.removed)
	api.mu.Unlock()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "listening")
	assert.Contains(t, string(data), "warming up")
}

func TestDockerLauncherStartFailureRemovesContainer(t *testing.T) {
	api := newFakeContainerAPI()
	api.startErr = errors.New("port is already allocated")
	l := NewDockerLauncher(api, config.Docker{Image: "inventory:latest"}, slog.Default())

	_, err := l.Launch(context.Background(), Spec{Port: 8002, Service: "inv2"})
	require.Error(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.True(t, api.removed)
}

func TestDockerLauncherLaunchTimeout(t *testing.T) {
	api := newFakeContainerAPI()
	api.stall = true
	l := NewDockerLauncher(api, config.Docker{Image: "inventory:latest", TimeoutMs: 50}, slog.Default())

	began := time.Now()
	_, err := l.Launch(context.Background(), Spec{Port: 8001, Service: "inv1", Env: map[string]string{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(began), 2*time.Second)
}

func TestNewDockerClient(t *testing.T) {
	if os.Getenv("FLEET_DOCKER_TESTS") == "" {
		t.Skip("Docker not available; set FLEET_DOCKER_TESTS=1 to run")
	}
	cli, err := NewDockerClient(config.Docker{})
	require.NoError(t, err)
	cli.Close()
}
