package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/hle-world/hle-addon/internal/domain"
)

const (
	managedLabel  = "hle.managed"
	tunnelIDLabel = "hle.tunnel-id"
)

// Docker runs each relay process as a Docker container named
// hle-tunnel-<id>, labeled so List can rediscover them after a daemon
// restart.
type Docker struct {
	cli   *dockerclient.Client
	image string
	log   *slog.Logger
}

var _ Supervisor = (*Docker)(nil)

// NewDocker creates a Docker supervisor configured from the environment
// (DOCKER_HOST, DOCKER_TLS_VERIFY, DOCKER_CERT_PATH, DOCKER_API_VERSION).
func NewDocker(image string, logger *slog.Logger) (*Docker, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cli: cli, image: image, log: logger}, nil
}

func containerName(tunnelID string) string {
	return "hle-tunnel-" + tunnelID
}

// clientArgs builds the hle-client command line from a tunnel config, the
// same flag surface the relay client accepts.
func clientArgs(cfg domain.TunnelConfig) []string {
	args := []string{
		"connect",
		"--service", cfg.ServiceURL,
		"--label", cfg.Label,
		"--auth", cfg.AuthMode,
		"--relay-host", cfg.RelayHost,
	}
	if cfg.SkipTLSVerify {
		args = append(args, "--skip-tls-verify")
	}
	if cfg.Websockets {
		args = append(args, "--websockets")
	}
	if cfg.UpstreamUser != "" {
		args = append(args, "--upstream-auth", cfg.UpstreamUser+":"+cfg.UpstreamPass)
	}
	return args
}

// Spawn creates and starts the relay container. A stale container holding
// the tunnel's name is removed first; a missing image is pulled once.
func (d *Docker) Spawn(ctx context.Context, cfg domain.TunnelConfig, apiKey string) (Handle, error) {
	name := containerName(cfg.ID)

	containerCfg := &container.Config{
		Image: d.image,
		Cmd:   clientArgs(cfg),
		Env:   []string{"HLE_API_KEY=" + apiKey},
		Labels: map[string]string{
			managedLabel:  "true",
			tunnelIDLabel: cfg.ID,
		},
	}
	// Host networking so the client reaches services on the LAN directly.
	// No Docker restart policy: the lifecycle controller owns retries and
	// crash-loop suspension.
	hostCfg := &container.HostConfig{
		NetworkMode: "host",
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if cerrdefs.IsConflict(err) {
		if rmErr := d.removeByName(ctx, name); rmErr != nil {
			return Handle{}, fmt.Errorf("remove stale container %s: %w", name, rmErr)
		}
		resp, err = d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if cerrdefs.IsNotFound(err) {
		if pullErr := d.pullImage(ctx); pullErr != nil {
			return Handle{}, pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("docker ContainerCreate: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Remove the created container so it does not shadow the next spawn.
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("docker ContainerStart: %w", err)
	}

	return Handle{TunnelID: cfg.ID, ProcessID: resp.ID}, nil
}

// Terminate stops and removes the container. Already-gone containers are
// not an error.
func (d *Docker) Terminate(ctx context.Context, h Handle) error {
	timeout := 10
	err := d.cli.ContainerStop(ctx, h.ProcessID, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("docker ContainerStop: %w", err)
	}
	err = d.cli.ContainerRemove(context.WithoutCancel(ctx), h.ProcessID, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("docker ContainerRemove: %w", err)
	}
	return nil
}

// Observe maps Docker's container state vocabulary onto the three raw
// states. Anything alive but not exited counts as running.
func (d *Docker) Observe(ctx context.Context, h Handle) (ProcessState, error) {
	info, err := d.cli.ContainerInspect(ctx, h.ProcessID)
	if cerrdefs.IsNotFound(err) {
		return ProcessState{State: RawAbsent}, nil
	}
	if err != nil {
		return ProcessState{}, fmt.Errorf("docker ContainerInspect: %w", err)
	}
	if info.State == nil {
		return ProcessState{State: RawAbsent}, nil
	}
	switch info.State.Status {
	case "exited", "dead":
		return ProcessState{State: RawExited, ExitCode: info.State.ExitCode}, nil
	default:
		return ProcessState{State: RawRunning}, nil
	}
}

// TailLogs returns up to n most recent log lines. The multiplexed Docker
// log stream is demuxed with stdcopy so frame headers never leak into
// lines.
func (d *Docker) TailLogs(ctx context.Context, h Handle, n int) ([]string, error) {
	rc, err := d.cli.ContainerLogs(ctx, h.ProcessID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if cerrdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("docker ContainerLogs: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("demux container logs: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// StreamLogs follows the container's log output, sending one line at a
// time to out. Blocks until ctx is cancelled or the container exits.
func (d *Docker) StreamLogs(ctx context.Context, h Handle, out chan<- string) error {
	rc, err := d.cli.ContainerLogs(ctx, h.ProcessID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("docker ContainerLogs (follow): %w", err)
	}
	defer func() { _ = rc.Close() }()

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		_ = pw.CloseWithError(copyErr)
	}()

	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading streamed logs: %w", err)
	}
	return nil
}

// List returns a handle for every hle-managed container, in any state.
func (d *Docker) List(ctx context.Context) ([]Handle, error) {
	f := filters.NewArgs()
	f.Add("label", managedLabel+"=true")

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("docker ContainerList: %w", err)
	}

	handles := make([]Handle, 0, len(containers))
	for _, ct := range containers {
		tunnelID := ct.Labels[tunnelIDLabel]
		if tunnelID == "" {
			continue
		}
		handles = append(handles, Handle{TunnelID: tunnelID, ProcessID: ct.ID})
	}
	return handles, nil
}

func (d *Docker) removeByName(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *Docker) pullImage(ctx context.Context) error {
	d.log.Info("pulling relay client image", "image", d.image)
	rc, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker ImagePull %s: %w", d.image, err)
	}
	defer func() { _ = rc.Close() }()
	// Drain the reader to complete the pull; output is JSON progress (discarded).
	_, _ = io.Copy(io.Discard, rc)
	return nil
}
