package master

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/hub-cap/deimos/pkg/mesos"
)

// sandboxMount is where a task's sandbox directory appears inside its
// container.
const sandboxMount = "/mnt/mesos/sandbox"

// DockerOptions configures the docker containerizer.
type DockerOptions struct {
	DefaultImage string // image for tasks that name none
	SandboxRoot  string // parent directory for per-task sandboxes
}

// DockerContainerizer runs tasks in real containers through the docker
// daemon: URIs are fetched into a sandbox mounted at /mnt/mesos/sandbox,
// the container runs with the task's cpu/mem limits, and the exit status
// maps to FINISHED or FAILED. Kill sends SIGKILL and reports KILLED.
type DockerContainerizer struct {
	cli     *client.Client
	fetcher *Fetcher
	opts    DockerOptions
	logger  *slog.Logger
	updates chan mesos.TaskStatus

	mu         sync.Mutex
	cancels    map[string]context.CancelFunc
	containers map[string]string // task id -> container id
	killed     map[string]bool
}

// NewDockerContainerizer connects to the docker daemon from the
// environment and fails fast when it is unreachable.
func NewDockerContainerizer(opts DockerOptions, logger *slog.Logger) (*DockerContainerizer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon: %w", err)
	}
	if opts.SandboxRoot == "" {
		opts.SandboxRoot = filepath.Join(os.TempDir(), "deimos-sandboxes")
	}
	return &DockerContainerizer{
		cli:        cli,
		fetcher:    NewFetcher(logger),
		opts:       opts,
		logger:     logger.With("component", "containerizer", "kind", "docker"),
		updates:    make(chan mesos.TaskStatus, 64),
		cancels:    make(map[string]context.CancelFunc),
		containers: make(map[string]string),
		killed:     make(map[string]bool),
	}, nil
}

func (c *DockerContainerizer) Launch(task mesos.TaskInfo) error {
	id := task.TaskID.Value
	c.mu.Lock()
	if _, live := c.cancels[id]; live {
		c.mu.Unlock()
		return fmt.Errorf("task %s is already running", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancels[id] = cancel
	c.mu.Unlock()

	go c.run(ctx, task)
	return nil
}

func (c *DockerContainerizer) Kill(taskID string) error {
	c.mu.Lock()
	cancel, live := c.cancels[taskID]
	if !live {
		c.mu.Unlock()
		return fmt.Errorf("unknown task %s", taskID)
	}
	c.killed[taskID] = true
	containerID := c.containers[taskID]
	c.mu.Unlock()

	if containerID != "" {
		killCtx, cancelKill := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelKill()
		if err := c.cli.ContainerKill(killCtx, containerID, "KILL"); err != nil {
			c.logger.Warn("container kill", "task_id", taskID, "error", err)
		}
	}
	cancel()
	return nil
}

func (c *DockerContainerizer) Updates() <-chan mesos.TaskStatus {
	return c.updates
}

// Close cancels live tasks and releases the docker client. Containers in
// flight are force-removed by their run goroutines.
func (c *DockerContainerizer) Close() error {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return c.cli.Close()
}

func (c *DockerContainerizer) run(ctx context.Context, task mesos.TaskInfo) {
	id := task.TaskID.Value
	defer c.forget(id)

	c.emit(id, mesos.TaskStaging, "")
	state, message := c.execute(ctx, task)
	c.emit(id, state, message)
}

// execute stages, creates, starts and waits out one container, reporting
// RUNNING in between. It returns the terminal state.
func (c *DockerContainerizer) execute(ctx context.Context, task mesos.TaskInfo) (mesos.TaskState, string) {
	id := task.TaskID.Value

	sandbox := filepath.Join(c.opts.SandboxRoot, id)
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return mesos.TaskFailed, "create sandbox: " + err.Error()
	}

	imageName := c.opts.DefaultImage
	var shell string
	var uris []mesos.URI
	if cmd := taskCommand(task); cmd != nil {
		shell = cmd.Value
		uris = cmd.URIs
		if cmd.Container != nil && cmd.Container.Image != "" {
			imageName = normalizeImage(cmd.Container.Image)
		}
	}

	for _, uri := range uris {
		if _, err := c.fetcher.Fetch(ctx, uri.Value, sandbox); err != nil {
			if c.wasKilled(id) {
				return mesos.TaskKilled, "task killed"
			}
			return mesos.TaskFailed, fmt.Sprintf("fetch %s: %v", uri.Value, err)
		}
	}

	// Missing images are common on dev machines; a failed pull is only
	// fatal if the create below cannot find the image either.
	if reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{}); err != nil {
		c.logger.Warn("image pull", "image", imageName, "error", err)
	} else {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	cpus, memMB := taskResources(task)
	cfg := &container.Config{
		Image:      imageName,
		WorkingDir: sandboxMount,
	}
	if shell != "" {
		cfg.Cmd = []string{"/bin/sh", "-c", shell}
	}
	host := &container.HostConfig{
		Binds: []string{sandbox + ":" + sandboxMount},
		Resources: container.Resources{
			Memory:   int64(memMB) * 1024 * 1024,
			NanoCPUs: int64(cpus * 1e9),
		},
	}

	created, err := c.cli.ContainerCreate(ctx, cfg, host, nil, nil, id)
	if err != nil {
		if c.wasKilled(id) {
			return mesos.TaskKilled, "task killed"
		}
		return mesos.TaskFailed, "create container: " + err.Error()
	}
	c.mu.Lock()
	c.containers[id] = created.ID
	c.mu.Unlock()
	defer c.remove(created.ID)

	if err := c.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if c.wasKilled(id) {
			return mesos.TaskKilled, "task killed"
		}
		return mesos.TaskFailed, "start container: " + err.Error()
	}
	c.logger.Info("container started", "task_id", id, "container", created.ID[:12], "image", imageName)
	c.emit(id, mesos.TaskRunning, "")

	waitCh, errCh := c.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if c.wasKilled(id) {
			return mesos.TaskKilled, "task killed"
		}
		if res.StatusCode == 0 {
			return mesos.TaskFinished, ""
		}
		return mesos.TaskFailed, fmt.Sprintf("container exited with status %d", res.StatusCode)
	case err := <-errCh:
		if c.wasKilled(id) {
			return mesos.TaskKilled, "task killed"
		}
		return mesos.TaskFailed, "wait for container: " + err.Error()
	}
}

func (c *DockerContainerizer) remove(containerID string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
		c.logger.Warn("container remove", "container", containerID[:12], "error", err)
	}
}

func (c *DockerContainerizer) wasKilled(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed[taskID]
}

func (c *DockerContainerizer) emit(id string, state mesos.TaskState, message string) {
	c.updates <- mesos.TaskStatus{
		TaskID:  mesos.TaskID{Value: id},
		State:   state,
		Message: message,
	}
}

func (c *DockerContainerizer) forget(id string) {
	c.mu.Lock()
	delete(c.cancels, id)
	delete(c.containers, id)
	delete(c.killed, id)
	c.mu.Unlock()
}

// normalizeImage accepts the legacy docker:/// image form alongside plain
// image references.
func normalizeImage(ref string) string {
	return strings.TrimPrefix(ref, "docker:///")
}
