package toolhost

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-run/carapace/internal/classifier"
	"github.com/carapace-run/carapace/internal/gate"
	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/internal/rules"
	"github.com/carapace-run/carapace/pkg/types"
)

type fakeClassifier struct{ classification types.OperationClassification }

func (f *fakeClassifier) Classify(ctx context.Context, toolName string, args json.RawMessage, contextSummary string) (types.OperationClassification, error) {
	return f.classification, nil
}

var _ classifier.Classifier = (*fakeClassifier)(nil)

type fakeProvider struct{ answer string }

func (f *fakeProvider) ID() string                          { return "fake" }
func (f *fakeProvider) Name() string                         { return "Fake" }
func (f *fakeProvider) Models() []types.Model                { return []types.Model{{ID: "model"}} }
func (f *fakeProvider) ChatModel() model.ToolCallingChatModel { return nil }
func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	sw.Send(&schema.Message{Role: schema.Assistant, Content: f.answer}, nil)
	sw.Close()
	return provider.NewCompletionStream(sr), nil
}

func newTestGate(t *testing.T, ruleAnswer string) *gate.Gate {
	t.Helper()
	reg := provider.NewRegistry(&types.Config{})
	reg.Register(&fakeProvider{answer: ruleAnswer})
	engine := rules.New(reg, "fake/model")
	return gate.New(&fakeClassifier{classification: types.OperationClassification{OperationType: types.OpWriteLocal}}, engine, nil, nil)
}

type recordingTool struct {
	called bool
	result string
}

func (r *recordingTool) ID() string                     { return "write" }
func (r *recordingTool) Description() string            { return "writes a file" }
func (r *recordingTool) Parameters() json.RawMessage    { return json.RawMessage(`{}`) }
func (r *recordingTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	r.called = true
	return r.result, nil
}

func TestGatedExecuteBlockedNeverRunsInner(t *testing.T) {
	g := newTestGate(t, "yes")
	tool := &recordingTool{result: "wrote file"}
	rule := types.Rule{ID: "r1", Trigger: "always", Effect: "block all writes", Mode: types.ModeBlock, Description: "no writes allowed"}
	gated := NewGated(tool, g, nil)

	rc := &RunContext{SessionID: "s1", State: &types.SessionState{SessionID: "s1"}, Ruleset: []types.Rule{rule}}
	_, err := gated.Execute(context.Background(), rc, nil)

	require.Error(t, err)
	assert.True(t, gate.IsRejected(err))
	assert.False(t, tool.called, "a blocked call must never reach the tool's side effect")
}

func TestGatedExecuteApprovedRunsInner(t *testing.T) {
	g := newTestGate(t, "yes")
	tool := &recordingTool{result: "wrote file"}
	rule := types.Rule{ID: "r2", Trigger: "always", Effect: "approve writes", Mode: types.ModeApprove, Description: "needs approval"}
	approve := func(ctx context.Context, rc *RunContext, toolID string, args json.RawMessage, decision gate.Decision) (bool, error) {
		return true, nil
	}
	gated := NewGated(tool, g, approve)

	rc := &RunContext{SessionID: "s1", State: &types.SessionState{SessionID: "s1"}, Ruleset: []types.Rule{rule}}
	out, err := gated.Execute(context.Background(), rc, nil)

	require.NoError(t, err)
	assert.True(t, tool.called)
	assert.Equal(t, "wrote file", out)
}

func TestGatedExecuteDeniedNeverRunsInner(t *testing.T) {
	g := newTestGate(t, "yes")
	tool := &recordingTool{result: "wrote file"}
	rule := types.Rule{ID: "r3", Trigger: "always", Effect: "approve writes", Mode: types.ModeApprove, Description: "needs approval"}
	approve := func(ctx context.Context, rc *RunContext, toolID string, args json.RawMessage, decision gate.Decision) (bool, error) {
		return false, nil
	}
	gated := NewGated(tool, g, approve)

	rc := &RunContext{SessionID: "s1", State: &types.SessionState{SessionID: "s1"}, Ruleset: []types.Rule{rule}}
	_, err := gated.Execute(context.Background(), rc, nil)

	require.Error(t, err)
	assert.False(t, tool.called, "a user denial must never reach the tool's side effect")
}

func TestGatedExecuteApprovalRequiredWithNoApproverRejects(t *testing.T) {
	g := newTestGate(t, "yes")
	tool := &recordingTool{result: "wrote file"}
	rule := types.Rule{ID: "r4", Trigger: "always", Effect: "approve writes", Mode: types.ModeApprove, Description: "needs approval"}
	gated := NewGated(tool, g, nil)

	rc := &RunContext{SessionID: "s1", State: &types.SessionState{SessionID: "s1"}, Ruleset: []types.Rule{rule}}
	_, err := gated.Execute(context.Background(), rc, nil)

	require.Error(t, err)
	assert.False(t, tool.called)
}

func TestRegistryGetAfterRegister(t *testing.T) {
	g := newTestGate(t, "no")
	reg := NewRegistry()
	tool := &recordingTool{result: "ok"}
	reg.Register(tool, g, nil)

	got, ok := reg.Get("write")
	require.True(t, ok)
	assert.Equal(t, "write", got.ID())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}
