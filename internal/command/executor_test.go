package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-run/carapace/internal/storage"
	"github.com/carapace-run/carapace/pkg/types"
)

func newTestExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	store := storage.New(t.TempDir())
	sessionID := "abc123def456"
	require.NoError(t, store.SaveState(sessionID, &types.SessionState{SessionID: sessionID}))

	rules := []types.Rule{
		{ID: "r1", Trigger: "always", Effect: "block all writes", Mode: types.ModeBlock, Description: "no writes"},
		{ID: "r2", Trigger: "the agent reads external data", Effect: "approve writes", Mode: types.ModeApprove, Description: "approve after read"},
	}
	return New(store, rules, t.TempDir()), sessionID
}

func TestExecuteHelp(t *testing.T) {
	e, sid := newTestExecutor(t)
	name, data, err := e.Execute(context.Background(), sid, "/help")
	require.NoError(t, err)
	assert.Equal(t, "help", name)
	payload := data.(map[string]any)
	assert.Len(t, payload["commands"], len(Commands))
}

func TestExecuteRulesShowsActivation(t *testing.T) {
	e, sid := newTestExecutor(t)
	name, data, err := e.Execute(context.Background(), sid, "/rules")
	require.NoError(t, err)
	assert.Equal(t, "rules", name)
	views := data.(map[string]any)["rules"].([]ruleView)
	require.Len(t, views, 2)
	assert.True(t, views[0].Active, "always-trigger rule is active without prior activation")
	assert.False(t, views[1].Active)
}

func TestDisableThenEnable(t *testing.T) {
	e, sid := newTestExecutor(t)

	name, data, err := e.Execute(context.Background(), sid, "/disable r2")
	require.NoError(t, err)
	assert.Equal(t, "disable", name)
	assert.Equal(t, true, data.(map[string]any)["disabled"])

	state, err := e.store.LoadState(sid)
	require.NoError(t, err)
	assert.True(t, state.IsDisabled("r2"))

	_, data, err = e.Execute(context.Background(), sid, "/enable r2")
	require.NoError(t, err)
	assert.Equal(t, false, data.(map[string]any)["disabled"])

	state, err = e.store.LoadState(sid)
	require.NoError(t, err)
	assert.False(t, state.IsDisabled("r2"))
}

func TestDisableUnknownRuleErrors(t *testing.T) {
	e, sid := newTestExecutor(t)
	_, _, err := e.Execute(context.Background(), sid, "/disable nope")
	assert.Error(t, err)
}

func TestDisableRequiresExactlyOneArg(t *testing.T) {
	e, sid := newTestExecutor(t)
	_, _, err := e.Execute(context.Background(), sid, "/disable")
	assert.Error(t, err)
}

func TestVerboseToggles(t *testing.T) {
	e, sid := newTestExecutor(t)

	_, data, err := e.Execute(context.Background(), sid, "/verbose")
	require.NoError(t, err)
	assert.Equal(t, true, data.(map[string]any)["verbose"])

	_, data, err = e.Execute(context.Background(), sid, "/verbose")
	require.NoError(t, err)
	assert.Equal(t, false, data.(map[string]any)["verbose"])
}

func TestUnknownCommand(t *testing.T) {
	e, sid := newTestExecutor(t)
	_, _, err := e.Execute(context.Background(), sid, "/bogus")
	assert.Error(t, err)
}

func TestQuitAcceptsAliases(t *testing.T) {
	e, sid := newTestExecutor(t)
	name, _, err := e.Execute(context.Background(), sid, "/exit")
	require.NoError(t, err)
	assert.Equal(t, "quit", name)
}
