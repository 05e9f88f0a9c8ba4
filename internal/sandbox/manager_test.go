package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-run/carapace/internal/runtime"
)

func newTestManager(t *testing.T) (*Manager, *runtime.Mock) {
	t.Helper()
	mock := runtime.NewMock("10.0.0.1")
	mgr := New(mock, nil, Config{DataDir: t.TempDir(), IdleTimeoutMinutes: 1})
	return mgr, mock
}

func TestEnsureSessionCreatesThenReuses(t *testing.T) {
	mgr, mock := newTestManager(t)
	ctx := context.Background()

	sc1, err := mgr.EnsureSession(ctx, "sess1")
	require.NoError(t, err)
	require.NotEmpty(t, sc1.ContainerID)

	sc2, err := mgr.EnsureSession(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, sc1.ContainerID, sc2.ContainerID, "a running container must be reused, not recreated")
	_ = mock
}

func TestSessionByTokenRoundTrips(t *testing.T) {
	mgr, _ := newTestManager(t)
	sc, err := mgr.EnsureSession(context.Background(), "sess1")
	require.NoError(t, err)

	sid, ok := mgr.SessionByToken(sc.ProxyToken)
	require.True(t, ok)
	assert.Equal(t, "sess1", sid)
}

func TestCleanupSessionRemovesAllTracking(t *testing.T) {
	mgr, _ := newTestManager(t)
	sc, err := mgr.EnsureSession(context.Background(), "sess1")
	require.NoError(t, err)

	require.NoError(t, mgr.CleanupSession(context.Background(), "sess1"))

	_, ok := mgr.SessionByToken(sc.ProxyToken)
	assert.False(t, ok, "token binding must be removed on cleanup")
	assert.Equal(t, 0, mgr.ActiveContainers())
}

func TestExecCommandRecreatesOnContainerGone(t *testing.T) {
	mgr, mock := newTestManager(t)
	ctx := context.Background()

	sc, err := mgr.EnsureSession(ctx, "sess1")
	require.NoError(t, err)
	firstContainer := sc.ContainerID

	mock.Vanish(firstContainer)

	out, err := mgr.ExecCommand(ctx, "sess1", "echo hi")
	require.NoError(t, err, "exec must transparently recreate the container once and retry (§8 scenario 7)")
	assert.Contains(t, out, "mock exec")

	sc2, err := mgr.EnsureSession(ctx, "sess1")
	require.NoError(t, err)
	assert.NotEqual(t, firstContainer, sc2.ContainerID, "recreation must mint a new container id")
}

func TestExecCommandClearsExecTempRegardlessOfOutcome(t *testing.T) {
	mgr, mock := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.EnsureSession(ctx, "sess1")
	require.NoError(t, err)

	mock.ExecFunc = func(containerID string, cmd []string) (runtime.ExecResult, error) {
		mgr.Domains.store.AddExecTemp("sess1", "scratch.example.com")
		require.True(t, mgr.Domains.IsAuthorized("sess1", "scratch.example.com"))
		return runtime.ExecResult{}, errExecFailed
	}

	_, err = mgr.ExecCommand(ctx, "sess1", "curl https://scratch.example.com")
	require.Error(t, err)
	assert.False(t, mgr.Domains.IsAuthorized("sess1", "scratch.example.com"), "exec_temp must clear even when the exec call errors")
}

func TestSweepIdleEvictsOnlyExpiredSessions(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	sc, err := mgr.EnsureSession(ctx, "sess1")
	require.NoError(t, err)
	sc.LastUsed = time.Now().Add(-2 * time.Minute).Unix()

	_, err = mgr.EnsureSession(ctx, "sess2")
	require.NoError(t, err)

	mgr.SweepIdle(ctx)

	assert.Equal(t, 1, mgr.ActiveContainers())
	_, ok := mgr.SessionByToken(sc.ProxyToken)
	assert.False(t, ok)
}

var errExecFailed = errors.New("exec failed")
