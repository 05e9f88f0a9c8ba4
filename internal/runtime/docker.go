package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/carapace-run/carapace/internal/logging"
)

// Docker is the production Runtime backend, a thin wrapper over
// github.com/docker/docker's client SDK. It is the backend
// cmd/carapace-server wires by default when a docker socket is
// reachable; Mock remains the fallback/testable implementation (§2).
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the local Docker daemon using the standard
// DOCKER_HOST/DOCKER_CERT_PATH environment conventions.
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: connect docker: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) EnsureNetwork(ctx context.Context, name string) (string, error) {
	networks, err := d.cli.NetworkList(ctx, dockernetwork.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("runtime: list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == name {
			return n.ID, nil
		}
	}
	resp, err := d.cli.NetworkCreate(ctx, name, dockernetwork.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("runtime: create network %s: %w", name, err)
	}
	return resp.ID, nil
}

func (d *Docker) CreateContainer(ctx context.Context, opts CreateOpts) (string, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	var mounts []string
	for host, guest := range opts.ReadOnlyMounts {
		mounts = append(mounts, fmt.Sprintf("%s:%s:ro", host, guest))
	}
	for host, guest := range opts.Mounts {
		mounts = append(mounts, fmt.Sprintf("%s:%s:rw", host, guest))
	}

	exposed := make(nat.PortSet, len(opts.ExposedPorts))
	for _, p := range opts.ExposedPorts {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", p))
		if err != nil {
			return "", fmt.Errorf("runtime: expose port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
	}

	containerCfg := &container.Config{
		Image:        opts.Image,
		Env:          env,
		Tty:          false,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Binds:      mounts,
		AutoRemove: false,
	}
	netCfg := &dockernetwork.NetworkingConfig{}
	if opts.NetworkName != "" {
		netCfg.EndpointsConfig = map[string]*dockernetwork.EndpointSettings{
			opts.NetworkName: {},
		}
		hostCfg.NetworkMode = container.NetworkMode(opts.NetworkName)
	}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("runtime: create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("runtime: start container: %w", err)
	}
	return created.ID, nil
}

func (d *Docker) Inspect(ctx context.Context, containerID string) (Inspection, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Inspection{}, ErrContainerGone
		}
		return Inspection{}, fmt.Errorf("runtime: inspect %s: %w", containerID, err)
	}
	ip := ""
	if info.NetworkSettings != nil {
		for _, net := range info.NetworkSettings.Networks {
			if net.IPAddress != "" {
				ip = net.IPAddress
				break
			}
		}
	}
	return Inspection{
		Running:   info.State != nil && info.State.Running,
		IPAddress: ip,
	}, nil
}

func (d *Docker) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOpts) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ExecResult{}, ErrContainerGone
		}
		return ExecResult{}, fmt.Errorf("runtime: exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := io.Copy(&stdout, attach.Reader); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return ExecResult{TimedOut: true}, nil
		}
		logging.Warn().Err(err).Str("container", containerID).Msg("exec stream read error")
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec inspect: %w", err)
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *Docker) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("runtime: remove %s: %w", containerID, err)
	}
	return nil
}

func (d *Docker) HostIP(ctx context.Context, networkName string) (string, error) {
	hostname, err := net.LookupHost("host.docker.internal")
	if err == nil && len(hostname) > 0 {
		return hostname[0], nil
	}
	n, err := d.cli.NetworkInspect(ctx, networkName, dockernetwork.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("runtime: inspect network %s: %w", networkName, err)
	}
	for _, cfg := range n.IPAM.Config {
		if cfg.Gateway != "" {
			return cfg.Gateway, nil
		}
	}
	return "", fmt.Errorf("runtime: no gateway found on network %s", networkName)
}

var _ Runtime = (*Docker)(nil)
