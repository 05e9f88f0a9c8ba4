package rules

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/pkg/types"
)

// fakeProvider answers every completion with a fixed yes/no text,
// standing in for the LLM trigger/effect evaluator so the engine's
// control flow can be exercised without a network call.
type fakeProvider struct {
	answer string
	calls  int
}

func (f *fakeProvider) ID() string  { return "fake" }
func (f *fakeProvider) Name() string { return "Fake" }
func (f *fakeProvider) Models() []types.Model {
	return []types.Model{{ID: "model", Name: "model"}}
}
func (f *fakeProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	f.calls++
	sr, sw := schema.Pipe[*schema.Message](1)
	sw.Send(&schema.Message{Role: schema.Assistant, Content: f.answer}, nil)
	sw.Close()
	return provider.NewCompletionStream(sr), nil
}

func newTestEngine(t *testing.T, answer string) (*Engine, *fakeProvider) {
	t.Helper()
	reg := provider.NewRegistry(&types.Config{})
	fp := &fakeProvider{answer: answer}
	reg.Register(fp)
	return New(reg, "fake/model"), fp
}

func classification() types.OperationClassification {
	return types.OperationClassification{OperationType: types.OpWriteLocal, Description: "writes a file", Confidence: 1}
}

func TestEngineAlwaysTriggerSkipsLLMForTrigger(t *testing.T) {
	engine, fp := newTestEngine(t, "yes")
	state := &types.SessionState{SessionID: "s1"}
	rule := types.Rule{ID: "r1", Trigger: "always", Effect: "block all writes", Mode: types.ModeBlock, Description: "no writes"}

	results, err := engine.Evaluate(context.Background(), "s1", state, []types.Rule{rule}, classification())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Effective)
	assert.False(t, results[0].NewlyActive)
	assert.Equal(t, 1, fp.calls, "only the effect evaluator should call the LLM for an always-trigger rule")
	assert.False(t, state.HasActivated("r1"), "always-trigger rules are never recorded as activated")
}

func TestEngineNonAlwaysTriggerActivatesOnce(t *testing.T) {
	engine, _ := newTestEngine(t, "yes")
	state := &types.SessionState{SessionID: "s1"}
	rule := types.Rule{ID: "r2", Trigger: "the agent read untrusted data", Effect: "approve writes", Mode: types.ModeApprove, Description: "approve"}

	results, err := engine.Evaluate(context.Background(), "s1", state, []types.Rule{rule}, classification())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].NewlyActive)
	assert.True(t, state.HasActivated("r2"))

	results, err = engine.Evaluate(context.Background(), "s1", state, []types.Rule{rule}, classification())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].NewlyActive, "trigger is already active, must not re-activate")
}

func TestEngineDisabledRuleSkipped(t *testing.T) {
	engine, fp := newTestEngine(t, "yes")
	state := &types.SessionState{SessionID: "s1", DisabledRules: []string{"r1"}}
	rule := types.Rule{ID: "r1", Trigger: "always", Effect: "block", Mode: types.ModeBlock, Description: "x"}

	results, err := engine.Evaluate(context.Background(), "s1", state, []types.Rule{rule}, classification())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, fp.calls)
}

func TestEngineAmbiguousTriggerFailsOpenNotMet(t *testing.T) {
	engine, _ := newTestEngine(t, "maybe")
	state := &types.SessionState{SessionID: "s1"}
	rule := types.Rule{ID: "r3", Trigger: "something ambiguous", Effect: "approve", Mode: types.ModeApprove, Description: "x"}

	results, err := engine.Evaluate(context.Background(), "s1", state, []types.Rule{rule}, classification())
	require.NoError(t, err)
	assert.Empty(t, results, "ambiguous trigger answer must be treated as not met (fail-open)")
	assert.False(t, state.HasActivated("r3"))
}

func TestEngineAmbiguousEffectFailsClosedNotEffective(t *testing.T) {
	// trigger is "always" (no LLM call needed) but the effect answer is
	// ambiguous; the rule must not be reported as effective.
	engine, _ := newTestEngine(t, "unsure")
	state := &types.SessionState{SessionID: "s1"}
	rule := types.Rule{ID: "r4", Trigger: "always", Effect: "block everything", Mode: types.ModeBlock, Description: "x"}

	results, err := engine.Evaluate(context.Background(), "s1", state, []types.Rule{rule}, classification())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Effective)
}

func TestEngineCachesIdenticalClassification(t *testing.T) {
	engine, fp := newTestEngine(t, "yes")
	state := &types.SessionState{SessionID: "s1"}
	rule := types.Rule{ID: "r1", Trigger: "always", Effect: "block", Mode: types.ModeBlock, Description: "x"}
	c := classification()

	_, err := engine.Evaluate(context.Background(), "s1", state, []types.Rule{rule}, c)
	require.NoError(t, err)
	callsAfterFirst := fp.calls

	_, err = engine.Evaluate(context.Background(), "s1", state, []types.Rule{rule}, c)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, fp.calls, "identical (rule, classification) must hit the cache")
}
