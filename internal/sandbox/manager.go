// Package sandbox implements the Sandbox Manager (§4.3): per-session
// container lifecycle, bind-mount layout, skill activation, and the
// proxy_token <-> session_id binding the Egress Proxy calls back
// through. Grounded directly on src/carapace/sandbox/manager.py's
// SandboxManager; the container backend itself is
// internal/runtime.Runtime rather than an asyncio-based
// ContainerRuntime.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/carapace-run/carapace/internal/event"
	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/metrics"
	"github.com/carapace-run/carapace/internal/runtime"
	"github.com/carapace-run/carapace/pkg/types"
)

const (
	defaultBaseImage   = "carapace-sandbox:latest"
	defaultNetworkName = "carapace-sandbox"
	execTimeout        = 30 * time.Second
	skillBuildTimeout  = 120 * time.Second
	idleSweepInterval  = 60 * time.Second
)

// Config configures a Manager.
type Config struct {
	DataDir            string
	BaseImage          string
	NetworkName        string
	IdleTimeoutMinutes int
	Bus                *event.Bus
}

// Manager owns every session's SessionContainer and the proxy token
// binding to it. Invariant (§3): a session appears in sessions,
// tokenToSession, and sessionToToken all together or none at all.
type Manager struct {
	runtime runtime.Runtime
	metrics *metrics.Registry
	bus     *event.Bus

	dataDir     string
	baseImage   string
	networkName string
	idleTimeout time.Duration

	mu             sync.Mutex
	sessions       map[string]*types.SessionContainer
	tokenToSession map[string]string
	sessionToToken map[string]string

	// Domains owns the allowlist buckets and approval queue (§4.3
	// "Domain approval", §4.3 "Invariants"). Exported so the Egress
	// Proxy and Orchestrator can be wired directly to it without the
	// Manager itself mediating every call.
	Domains *Domains
}

// New constructs a Manager. runtime is the Container Runtime Iface
// backend; metrics may be nil in tests.
func New(rt runtime.Runtime, m *metrics.Registry, cfg Config) *Manager {
	baseImage := cfg.BaseImage
	if baseImage == "" {
		baseImage = defaultBaseImage
	}
	networkName := cfg.NetworkName
	if networkName == "" {
		networkName = defaultNetworkName
	}
	idleMinutes := cfg.IdleTimeoutMinutes
	if idleMinutes <= 0 {
		idleMinutes = 15
	}

	logging.Info().Str("image", baseImage).Str("network", networkName).Int("idle_timeout_minutes", idleMinutes).Msg("sandbox manager initialized")

	return &Manager{
		runtime:        rt,
		metrics:        m,
		bus:            cfg.Bus,
		dataDir:        cfg.DataDir,
		baseImage:      baseImage,
		networkName:    networkName,
		idleTimeout:    time.Duration(idleMinutes) * time.Minute,
		sessions:       make(map[string]*types.SessionContainer),
		tokenToSession: make(map[string]string),
		sessionToToken: make(map[string]string),
		Domains:        NewDomains(m, cfg.Bus),
	}
}

// EnsureSession returns sessionID's container, reusing it if still
// running or recreating it otherwise (§4.3 "Ensure-session").
func (m *Manager) EnsureSession(ctx context.Context, sessionID string) (*types.SessionContainer, error) {
	m.mu.Lock()
	sc, tracked := m.sessions[sessionID]
	m.mu.Unlock()

	if tracked {
		insp, err := m.runtime.Inspect(ctx, sc.ContainerID)
		if err == nil && insp.Running {
			logging.Debug().Str("container", short(sc.ContainerID)).Str("session", sessionID).Msg("sandbox: reusing container")
			m.mu.Lock()
			sc.LastUsed = time.Now().Unix()
			m.mu.Unlock()
			return sc, nil
		}
		logging.Warn().Str("container", short(sc.ContainerID)).Str("session", sessionID).Msg("sandbox: container no longer running, recreating")
		m.cleanupTracking(sessionID)
	}

	return m.create(ctx, sessionID)
}

func (m *Manager) create(ctx context.Context, sessionID string) (*types.SessionContainer, error) {
	if _, err := m.runtime.EnsureNetwork(ctx, m.networkName); err != nil {
		return nil, fmt.Errorf("sandbox: ensure network: %w", err)
	}

	sessionSkillsDir := filepath.Join(m.dataDir, "sessions", sessionID, "skills")
	sessionTmpDir := filepath.Join(m.dataDir, "sessions", sessionID, "tmp")
	if err := os.MkdirAll(sessionSkillsDir, 0755); err != nil {
		return nil, fmt.Errorf("sandbox: create skills dir: %w", err)
	}
	if err := os.MkdirAll(sessionTmpDir, 0755); err != nil {
		return nil, fmt.Errorf("sandbox: create tmp dir: %w", err)
	}

	token, err := newProxyToken()
	if err != nil {
		return nil, fmt.Errorf("sandbox: mint proxy token: %w", err)
	}

	hostIP, err := m.runtime.HostIP(ctx, m.networkName)
	if err != nil {
		return nil, fmt.Errorf("sandbox: discover host ip: %w", err)
	}

	opts := runtime.CreateOpts{
		Name:           fmt.Sprintf("carapace-session-%s", sessionID),
		Image:          m.baseImage,
		NetworkName:    m.networkName,
		Mounts:         m.readWriteMounts(sessionID),
		ReadOnlyMounts: m.readOnlyMounts(),
		Env: map[string]string{
			"HTTP_PROXY":  proxyURL(token, hostIP),
			"HTTPS_PROXY": proxyURL(token, hostIP),
			"NO_PROXY":    hostIP,
		},
	}

	containerID, err := m.runtime.CreateContainer(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	insp, err := m.runtime.Inspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: inspect new container: %w", err)
	}

	now := time.Now().Unix()
	sc := &types.SessionContainer{
		ContainerID: containerID,
		SessionID:   sessionID,
		IPAddress:   insp.IPAddress,
		CreatedAt:   now,
		LastUsed:    now,
		ProxyToken:  token,
	}

	m.mu.Lock()
	m.sessions[sessionID] = sc
	m.tokenToSession[token] = sessionID
	m.sessionToToken[sessionID] = token
	m.mu.Unlock()

	m.recordCreated()
	logging.Info().Str("container", short(containerID)).Str("session", sessionID).Str("ip", insp.IPAddress).Msg("sandbox: created session container")
	m.publish(event.ContainerCreated, map[string]string{"session_id": sessionID, "container_id": containerID})
	return sc, nil
}

func (m *Manager) publish(t event.Type, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event.Event{Type: t, Data: data})
}

func (m *Manager) readOnlyMounts() map[string]string {
	mounts := make(map[string]string)
	for _, filename := range []string{"AGENTS.md", "SOUL.md", "USER.md"} {
		path := filepath.Join(m.dataDir, filename)
		if _, err := os.Stat(path); err == nil {
			mounts[path] = "/workspace/" + filename
		}
	}
	memoryDir := filepath.Join(m.dataDir, "memory")
	if _, err := os.Stat(memoryDir); err == nil {
		mounts[memoryDir] = "/workspace/memory"
	}
	return mounts
}

func (m *Manager) readWriteMounts(sessionID string) map[string]string {
	return map[string]string{
		filepath.Join(m.dataDir, "sessions", sessionID, "skills"): "/workspace/skills",
		filepath.Join(m.dataDir, "sessions", sessionID, "tmp"):    "/workspace/tmp",
	}
}

// ExecCommand runs command in sessionID's container, recreating the
// container and retrying exactly once if the runtime reports it gone
// (§4.3 "Exec-command").
func (m *Manager) ExecCommand(ctx context.Context, sessionID, command string) (string, error) {
	sc, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	m.touch(sessionID)
	logging.Debug().Str("session", sessionID).Str("command", command).Msg("sandbox: exec")

	m.Domains.BeginExec(sessionID, command)
	defer m.Domains.EndExec(sessionID)

	cmd := []string{"sh", "-c", command}
	var result runtime.ExecResult
	recreated := false
	// Exactly one recreate-and-retry on a gone container, never more
	// (§4.3 "Exec-command", §7 "Runtime failure") — WithMaxRetries(…, 1)
	// gives that a real backoff.BackOff home instead of a hand-rolled
	// retry-once branch.
	err = backoff.Retry(func() error {
		r, execErr := m.runtime.Exec(ctx, sc.ContainerID, cmd, runtime.ExecOpts{Timeout: execTimeout})
		if execErr == runtime.ErrContainerGone && !recreated {
			recreated = true
			logging.Warn().Str("session", sessionID).Msg("sandbox: container gone, recreating")
			m.cleanupTracking(sessionID)
			newSC, createErr := m.create(ctx, sessionID)
			if createErr != nil {
				return backoff.Permanent(createErr)
			}
			sc = newSC
			return execErr
		}
		if execErr != nil {
			return backoff.Permanent(execErr)
		}
		result = r
		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1))
	if err != nil {
		return "", fmt.Errorf("sandbox: exec: %w", err)
	}

	output := result.Stdout
	if result.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += result.Stderr
	}
	if result.ExitCode != 0 && !strings.Contains(output, fmt.Sprintf("[exit code: %d]", result.ExitCode)) {
		logging.Debug().Str("session", sessionID).Int("exit_code", result.ExitCode).Msg("sandbox: command failed")
		output += fmt.Sprintf("\n[exit code: %d]", result.ExitCode)
	}
	if output == "" {
		output = "(no output)"
	}
	return output, nil
}

// CleanupSession removes sessionID's container and all tracking state.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sc, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.runtime.RemoveContainer(ctx, sc.ContainerID); err != nil {
		return fmt.Errorf("sandbox: remove container: %w", err)
	}
	m.cleanupTracking(sessionID)
	m.Domains.DeleteSession(sessionID)
	m.recordEvicted()
	logging.Info().Str("session", sessionID).Msg("sandbox: cleaned up session")
	m.publish(event.ContainerEvicted, map[string]string{"session_id": sessionID, "container_id": sc.ContainerID})
	return nil
}

// SweepIdle removes every session container idle longer than the
// configured idle timeout (§4.3 "Idle sweep"). Call periodically;
// RunIdleSweeper ticks this every 60s.
func (m *Manager) SweepIdle(ctx context.Context) {
	now := time.Now().Unix()
	cutoff := int64(m.idleTimeout.Seconds())

	m.mu.Lock()
	var toRemove []string
	for sid, sc := range m.sessions {
		if now-sc.LastUsed > cutoff {
			toRemove = append(toRemove, sid)
		}
	}
	m.mu.Unlock()

	if len(toRemove) > 0 {
		logging.Info().Int("count", len(toRemove)).Msg("sandbox: evicting idle session(s)")
	}
	for _, sid := range toRemove {
		if err := m.CleanupSession(ctx, sid); err != nil {
			logging.Warn().Err(err).Str("session", sid).Msg("sandbox: idle eviction failed")
		}
	}
}

// RunIdleSweeper blocks, sweeping idle sessions every 60s, until ctx is
// cancelled.
func (m *Manager) RunIdleSweeper(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepIdle(ctx)
		}
	}
}

// SessionByToken resolves a proxy token to its session id, the
// callback the Egress Proxy uses in place of an IP-based
// get_session_by_ip (§3 "Each proxy_token resolves to exactly
// one session_id").
func (m *Manager) SessionByToken(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.tokenToSession[token]
	return sid, ok
}

// ActiveContainers returns the number of sessions with a tracked
// container, for the containers_active gauge.
func (m *Manager) ActiveContainers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc, ok := m.sessions[sessionID]; ok {
		sc.LastUsed = time.Now().Unix()
	}
}

func (m *Manager) cleanupTracking(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	if token, ok := m.sessionToToken[sessionID]; ok {
		delete(m.tokenToSession, token)
		delete(m.sessionToToken, sessionID)
	}
}

func (m *Manager) recordCreated() {
	if m.metrics == nil {
		return
	}
	m.metrics.ContainerCreated.Inc()
	m.metrics.ContainersActive.Set(float64(m.ActiveContainers()))
}

func (m *Manager) recordEvicted() {
	if m.metrics == nil {
		return
	}
	m.metrics.ContainerEvicted.Inc()
	m.metrics.ContainersActive.Set(float64(m.ActiveContainers()))
}

func newProxyToken() (string, error) {
	b := make([]byte, 16) // 128 bits, per §4.3 "mint a fresh proxy_token (random, 128-bit)"
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func proxyURL(token, hostIP string) string {
	return fmt.Sprintf("http://%s@%s:%d", token, hostIP, defaultProxyPort)
}

// defaultProxyPort is overridden by WithProxyPort for deployments that
// bind the Egress Proxy to a non-default port.
var defaultProxyPort = 8888

// WithProxyPort overrides the port embedded in HTTP_PROXY/HTTPS_PROXY
// URLs minted for new session containers.
func WithProxyPort(port int) { defaultProxyPort = port }

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
