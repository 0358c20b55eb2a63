package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/dustin/go-humanize"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const DefaultImage = "ollama/ollama:0.6.8"
const containerPort = "11434/tcp"
const containerModelDir = "/root/.ollama"
const containerNamePrefix = "ollama-hive-"
const containerCreatorLabel = "creator"
const containerCreator = "hive-worker"
const containerStopTimeout = 8 * time.Second

var DefaultHealthInterval = 1 * time.Second
var DefaultHealthAttempts = 60

// ErrUnhealthy is returned when a freshly started container never answers
// its version endpoint. The container is left in place for inspection.
var ErrUnhealthy = errors.New("container did not become healthy in time")

// DockerClient is an interface for the Docker client, allowing for mocking in tests.
// NOTE: ensure any docker.Client methods used in this package are added.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// Compile-time assertion to ensure docker.Client implements DockerClient.
var _ DockerClient = (*docker.Client)(nil)

func NewDefaultDockerClient() (DockerClient, error) {
	return docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
}

type CoordinatorConfig struct {
	// Key is the node auth key; its first five characters name the container.
	Key       string
	Image     string
	ModelsDir string
	HostPort  string
	// GPUPassthrough is the device selector, see DeviceRequests.
	GPUPassthrough string
	// HealthURL defaults to the version endpoint on the bound host port.
	HealthURL      string
	HealthInterval time.Duration
	HealthAttempts int
}

// Coordinator owns the lifecycle of the local Ollama container.
type Coordinator struct {
	cfg          CoordinatorConfig
	dockerClient DockerClient
	lock         *UpgradeLock
	httpClient   *http.Client
	progress     PullProgress
}

func NewCoordinator(cfg CoordinatorConfig, client DockerClient, lock *UpgradeLock) (*Coordinator, error) {
	if len(cfg.Key) < 5 {
		return nil, fmt.Errorf("auth key must be at least 5 characters to name the container")
	}
	if client == nil {
		var err error
		client, err = NewDefaultDockerClient()
		if err != nil {
			return nil, err
		}
	}
	if lock == nil {
		lock = NewUpgradeLock()
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = fmt.Sprintf("http://127.0.0.1:%s/api/version", cfg.HostPort)
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.HealthAttempts <= 0 {
		cfg.HealthAttempts = DefaultHealthAttempts
	}

	return &Coordinator{
		cfg:          cfg,
		dockerClient: client,
		lock:         lock,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		progress:     LogPullProgress,
	}, nil
}

func (c *Coordinator) ContainerName() string {
	return containerNamePrefix + c.cfg.Key[:5]
}

func (c *Coordinator) Image() string {
	return c.cfg.Image
}

func (c *Coordinator) Lock() *UpgradeLock {
	return c.lock
}

// SetPullProgress replaces the sink that receives image pull messages.
func (c *Coordinator) SetPullProgress(p PullProgress) {
	c.progress = p
}

// Start makes sure the backend container is running and healthy, returning
// its id. A container that is already running is reused as is.
func (c *Coordinator) Start(ctx context.Context) (string, error) {
	name := c.ContainerName()

	id, err := c.findRunning(ctx, name)
	if err != nil {
		return "", err
	}
	if id != "" {
		slog.Info("Backend container already running", slog.String("name", name), slog.String("id", id))
		return id, nil
	}

	slog.Info("Ensuring no stopped container exists", slog.String("name", name))
	err = c.dockerClient.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		slog.Info("Removed stale container", slog.String("name", name))
	case errdefs.IsNotFound(err):
	default:
		return "", fmt.Errorf("failed to remove stale container %s: %w", name, err)
	}

	if err := c.pullImage(ctx); err != nil {
		return "", err
	}
	return c.createAndStart(ctx)
}

// Upgrade pulls the image and swaps the running container for a fresh one.
// The pull happens before relays are excluded; the swap holds the write
// side of the upgrade lock until the new container is healthy.
func (c *Coordinator) Upgrade(ctx context.Context) (string, error) {
	name := c.ContainerName()
	if err := c.pullImage(ctx); err != nil {
		return "", err
	}

	slog.Warn("Waiting for in-flight relays before swapping the backend", slog.String("name", name))
	c.lock.Lock()
	defer c.lock.Unlock()
	slog.Warn("Acquired backend upgrade lock", slog.String("name", name))

	c.stopContainer(ctx, name)
	err := c.dockerClient.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		slog.Info("Removed container", slog.String("name", name))
	case errdefs.IsNotFound(err):
		slog.Info("Container already removed", slog.String("name", name))
	case errdefs.IsConflict(err):
		slog.Warn("Container removal conflict, proceeding", slog.String("name", name), slog.String("error", err.Error()))
	default:
		return "", fmt.Errorf("failed to remove container %s: %w", name, err)
	}

	return c.createAndStart(ctx)
}

// Stop stops and force removes the container. Missing containers are not an error.
func (c *Coordinator) Stop(ctx context.Context, containerID string) error {
	c.stopContainer(ctx, containerID)

	err := c.dockerClient.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) {
		slog.Info("Removed container", slog.String("id", containerID))
		return nil
	}
	slog.Error("Failed to remove container", slog.String("id", containerID), slog.String("error", err.Error()))
	return err
}

func (c *Coordinator) stopContainer(ctx context.Context, containerID string) {
	timeoutSec := int(containerStopTimeout.Seconds())
	err := c.dockerClient.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSec})
	switch {
	case err == nil:
		slog.Info("Stopped container", slog.String("id", containerID))
	case errdefs.IsNotModified(err):
		slog.Info("Container was already stopped", slog.String("id", containerID))
	case errdefs.IsNotFound(err):
		slog.Info("Container not found for stopping", slog.String("id", containerID))
	default:
		slog.Warn("Error stopping container", slog.String("id", containerID), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) findRunning(ctx context.Context, name string) (string, error) {
	args := filters.NewArgs(filters.Arg("name", name))
	containers, err := c.dockerClient.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}
	// the name filter matches substrings
	for _, ctr := range containers {
		for _, n := range ctr.Names {
			if n == "/"+name || n == name {
				return ctr.ID, nil
			}
		}
	}
	return "", nil
}

func (c *Coordinator) createAndStart(ctx context.Context) (string, error) {
	name := c.ContainerName()
	slog.Info("Creating backend container", slog.String("name", name), slog.String("image", c.cfg.Image), slog.String("port", c.cfg.HostPort))

	containerConfig := &container.Config{
		Image: c.cfg.Image,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			containerCreatorLabel: containerCreator,
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			DeviceRequests: DeviceRequests(c.cfg.GPUPassthrough),
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: c.cfg.ModelsDir,
				Target: containerModelDir,
			},
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: c.cfg.HostPort,
				},
			},
		},
	}

	resp, err := c.dockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}

	slog.Info("Starting backend container", slog.String("name", name), slog.String("id", resp.ID))
	if err := c.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}

	if err := c.waitHealthy(ctx); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// waitHealthy polls the version endpoint. Any HTTP response counts as
// healthy, only transport errors are retried.
func (c *Coordinator) waitHealthy(ctx context.Context) error {
	slog.Info("Waiting for container to become healthy", slog.String("url", c.cfg.HealthURL))
	for i := 0; i < c.cfg.HealthAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			slog.Info("Container is healthy")
			return nil
		}
		slog.Info(fmt.Sprintf("Waiting... (%d/%d)", i+1, c.cfg.HealthAttempts))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.HealthInterval):
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrUnhealthy, c.cfg.HealthAttempts)
}

// PullProgress receives every decoded image pull message.
type PullProgress func(msg jsonmessage.JSONMessage)

// LogPullProgress logs layer progress with human readable sizes.
func LogPullProgress(msg jsonmessage.JSONMessage) {
	if msg.Status == "" {
		return
	}
	if msg.Progress == nil || msg.Progress.Total <= 0 {
		slog.Info(msg.Status, slog.String("layer", msg.ID))
		return
	}
	slog.Info(fmt.Sprintf("%s: %s / %s", msg.Status, humanize.Bytes(uint64(msg.Progress.Current)), humanize.Bytes(uint64(msg.Progress.Total))),
		slog.String("layer", msg.ID))
}

// pullImage pulls the configured image from the registry.
func (c *Coordinator) pullImage(ctx context.Context) error {
	slog.Info("Pulling backend image", slog.String("image", c.cfg.Image))
	reader, err := c.dockerClient.ImagePull(ctx, c.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var progress jsonmessage.JSONMessage
		if err := decoder.Decode(&progress); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("error decoding progress message: %w", err)
		}
		if progress.Error != nil {
			return fmt.Errorf("failed to pull image: %w", progress.Error)
		}
		if c.progress != nil {
			c.progress(progress)
		}
	}
	slog.Info("Image pulled", slog.String("image", c.cfg.Image))
	return nil
}
