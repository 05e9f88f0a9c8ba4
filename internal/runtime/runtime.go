// Package runtime defines the Container Runtime Iface (§2): the
// abstract surface the Sandbox Manager uses to create, exec into,
// inspect, and remove per-session containers and their shared network.
// The concrete backend is treated as an external collaborator; this
// package supplies that interface plus two implementations — a Docker
// backend grounded on github.com/docker/docker's client SDK, and an
// in-memory Mock backend that end-to-end tests (§8) exercise directly,
// mirroring the split go-opencode draws between its provider.Provider
// interface and concrete provider implementations.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrContainerGone is returned by Exec and Inspect when the runtime no
// longer has a record of the container, so the Sandbox Manager can
// distinguish "needs recreate" from other exec failures (§4.3, §7).
var ErrContainerGone = errors.New("runtime: container not found")

// CreateOpts describes a new session container (§4.3 "Recreation").
type CreateOpts struct {
	Name        string
	Image       string
	NetworkName string
	Env         map[string]string
	// Mounts is host path -> container path. ReadOnly entries are
	// recorded by the caller separately via ReadOnlyMounts.
	Mounts         map[string]string
	ReadOnlyMounts map[string]string
	// ExposedPorts lists container-internal ports to declare (no host
	// binding — the sandbox network is internal-only).
	ExposedPorts []int
}

// ExecResult is the outcome of a single exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// ExecOpts configures one exec call (§4.3 "Exec-command").
type ExecOpts struct {
	Env     map[string]string
	Timeout time.Duration
}

// Inspection is the subset of container state the Sandbox Manager needs
// to decide whether a container can be reused (§4.3 "Ensure-session").
type Inspection struct {
	Running   bool
	IPAddress string
}

// Runtime is the Container Runtime Iface (§2).
type Runtime interface {
	// EnsureNetwork creates the sandbox network if it does not already
	// exist, returning its id.
	EnsureNetwork(ctx context.Context, name string) (string, error)

	// CreateContainer creates and starts a container on the given
	// network, returning its runtime-assigned id.
	CreateContainer(ctx context.Context, opts CreateOpts) (containerID string, err error)

	// Inspect reports whether the container is running and its IP on
	// the sandbox network. Returns ErrContainerGone if the runtime has
	// no record of it.
	Inspect(ctx context.Context, containerID string) (Inspection, error)

	// Exec runs cmd inside the container and waits up to opts.Timeout.
	// Returns ErrContainerGone if the container is gone.
	Exec(ctx context.Context, containerID string, cmd []string, opts ExecOpts) (ExecResult, error)

	// RemoveContainer force-removes a container. Removing an
	// already-gone container is not an error.
	RemoveContainer(ctx context.Context, containerID string) error

	// HostIP discovers this process's own address on the named sandbox
	// network, used to build the HTTP_PROXY URL (§4.3 "Recreation").
	HostIP(ctx context.Context, networkName string) (string, error)
}
