package dockerhost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/warmfleet/browserpool/internal/pool"
)

// dockerAPI is the slice of the Docker client the host depends on.
// *client.Client satisfies it.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

const (
	browserImage            = "browserless/chrome:latest"
	browserPort    nat.Port = "3000/tcp"
	stopGraceSecs           = 10
	maxReadyProbes          = 15
	removeTimeout           = 10 * time.Second
)

// Host provisions browsers as local Docker containers running
// browserless/chrome, one container per session. It stands in for the
// remote provisioning service during development and in single-host
// deployments.
type Host struct {
	client dockerAPI
	http   *http.Client
	log    *zap.Logger

	probeInitial time.Duration
	probeMax     time.Duration

	mu         sync.Mutex
	containers map[string]string // session id -> container id
}

// New connects to the local Docker daemon using the standard environment
// configuration.
func New(log *zap.Logger) (*Host, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{
		client:       cli,
		http:         &http.Client{Timeout: 5 * time.Second},
		log:          log,
		probeInitial: 500 * time.Millisecond,
		probeMax:     2 * time.Second,
		containers:   make(map[string]string),
	}, nil
}

// Provisioner returns a pool provisioner that launches containers labeled
// with the given region.
func (h *Host) Provisioner(region string) pool.Provisioner {
	return &regionHost{h: h, region: region}
}

type regionHost struct {
	h      *Host
	region string
}

func (r *regionHost) CreateSession(ctx context.Context) (pool.ProvisionedSession, error) {
	return r.h.createSession(ctx, r.region)
}

func (r *regionHost) StopSession(ctx context.Context, id string) error {
	return r.h.stopSession(ctx, id)
}

func (h *Host) createSession(ctx context.Context, region string) (pool.ProvisionedSession, error) {
	sessionID := uuid.New().String()

	containerConfig := &container.Config{
		Image: browserImage,
		Labels: map[string]string{
			"session-id": sessionID,
			"region":     region,
			"managed-by": "browserpool",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{browserPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			browserPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
	}

	resp, err := h.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "browserpool-"+sessionID[:8])
	if err != nil {
		return pool.ProvisionedSession{}, fmt.Errorf("create container: %w", err)
	}

	if err := h.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		h.removeContainer(resp.ID)
		return pool.ProvisionedSession{}, fmt.Errorf("start container: %w", err)
	}

	inspect, err := h.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		h.removeContainer(resp.ID)
		return pool.ProvisionedSession{}, fmt.Errorf("inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[browserPort]
	if len(bindings) == 0 {
		h.removeContainer(resp.ID)
		return pool.ProvisionedSession{}, fmt.Errorf("container %s has no host port for %s", resp.ID[:12], browserPort)
	}
	port := bindings[0].HostPort

	if err := h.waitForBrowser(ctx, port); err != nil {
		h.removeContainer(resp.ID)
		return pool.ProvisionedSession{}, err
	}

	h.mu.Lock()
	h.containers[sessionID] = resp.ID
	h.mu.Unlock()

	h.log.Debug("launched browser container",
		zap.String("sessionId", sessionID),
		zap.String("containerId", resp.ID[:12]),
		zap.String("port", port))

	return pool.ProvisionedSession{
		ID:         sessionID,
		ConnectURL: fmt.Sprintf("ws://localhost:%s", port),
	}, nil
}

// stopSession tears down the container behind a session. Stopping a session
// the host no longer knows is fine: the pool retries stops on teardown
// races.
func (h *Host) stopSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	containerID, ok := h.containers[sessionID]
	if ok {
		delete(h.containers, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	grace := stopGraceSecs
	if err := h.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		// Force removal below kills it anyway.
		h.log.Warn("stop container",
			zap.String("containerId", containerID[:12]),
			zap.Error(err))
	}
	if err := h.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// removeContainer force-removes a container that failed mid-create. The
// caller's error is what gets reported; removal runs on its own deadline
// since the triggering context may already be dead, and failures are only
// logged.
func (h *Host) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := h.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		h.log.Warn("remove container",
			zap.String("containerId", containerID[:12]),
			zap.Error(err))
	}
}

// EnsureImage pulls the browser image unless it is already present, so the
// first session creation does not eat the pull.
func (h *Host) EnsureImage(ctx context.Context) error {
	images, err := h.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == browserImage {
				return nil
			}
		}
	}

	h.log.Info("pulling browser image", zap.String("image", browserImage))
	reader, err := h.client.ImagePull(ctx, browserImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client. Running containers are left to their
// pools to stop.
func (h *Host) Close() error {
	return h.client.Close()
}

// waitForBrowser polls the container's DevTools endpoint until it answers.
func (h *Host) waitForBrowser(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = h.probeInitial
	wait.MaxInterval = h.probeMax

	for attempt := 0; attempt < maxReadyProbes; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := h.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				// The HTTP endpoint answers slightly before the WebSocket
				// listener is up; give it one more beat.
				return sleepCtx(ctx, wait.NextBackOff())
			}
		}
		if err := sleepCtx(ctx, wait.NextBackOff()); err != nil {
			return err
		}
	}
	return fmt.Errorf("browser on port %s not ready after %d probes", port, maxReadyProbes)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
