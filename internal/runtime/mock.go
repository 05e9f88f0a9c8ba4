package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-memory Runtime backend with no external dependency,
// used by tests and by end-to-end scenarios (§8) that assert on
// container-crash recovery without a real engine available. It is the
// default backend when no docker socket is configured.
type Mock struct {
	mu         sync.Mutex
	networks   map[string]string
	containers map[string]*mockContainer
	hostIP     string

	// ExecFunc lets tests override exec behavior per call; nil means
	// "succeed with empty output".
	ExecFunc func(containerID string, cmd []string) (ExecResult, error)
}

type mockContainer struct {
	id      string
	running bool
	ip      string
}

// NewMock returns a fresh Mock backend. hostIP is the address Inspect
// and HostIP report for every container/network — good enough for a
// single-host test topology.
func NewMock(hostIP string) *Mock {
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}
	return &Mock{
		networks:   make(map[string]string),
		containers: make(map[string]*mockContainer),
		hostIP:     hostIP,
	}
}

func (m *Mock) EnsureNetwork(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.networks[name]; ok {
		return id, nil
	}
	id := "net-" + uuid.NewString()
	m.networks[name] = id
	return id, nil
}

func (m *Mock) CreateContainer(ctx context.Context, opts CreateOpts) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "ctr-" + uuid.NewString()
	m.containers[id] = &mockContainer{id: id, running: true, ip: m.hostIP}
	return id, nil
}

func (m *Mock) Inspect(ctx context.Context, containerID string) (Inspection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return Inspection{}, ErrContainerGone
	}
	return Inspection{Running: c.running, IPAddress: c.ip}, nil
}

func (m *Mock) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOpts) (ExecResult, error) {
	m.mu.Lock()
	c, ok := m.containers[containerID]
	fn := m.ExecFunc
	m.mu.Unlock()
	if !ok {
		return ExecResult{}, ErrContainerGone
	}
	if !c.running {
		return ExecResult{}, fmt.Errorf("runtime: container %s is not running", containerID)
	}
	if fn != nil {
		return fn(containerID, cmd)
	}
	return ExecResult{Stdout: fmt.Sprintf("mock exec: %v", cmd), ExitCode: 0}, nil
}

func (m *Mock) RemoveContainer(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, containerID)
	return nil
}

func (m *Mock) HostIP(ctx context.Context, networkName string) (string, error) {
	return m.hostIP, nil
}

// Kill marks a container as no-longer-running without removing its
// record, simulating the "container exists but process died" case that
// Inspect/Exec should surface distinctly from ErrContainerGone.
func (m *Mock) Kill(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[containerID]; ok {
		c.running = false
	}
}

// Vanish simulates the runtime losing all record of the container
// (§8 scenario 7, "container crash recovery").
func (m *Mock) Vanish(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, containerID)
}

var _ Runtime = (*Mock)(nil)
