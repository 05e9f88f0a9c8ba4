package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-run/carapace/internal/channel"
	"github.com/carapace-run/carapace/internal/classifier"
	"github.com/carapace-run/carapace/internal/gate"
	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/internal/rules"
	"github.com/carapace-run/carapace/internal/toolhost"
	"github.com/carapace-run/carapace/pkg/types"
)

// wsPair dials a real websocket connection to an httptest server running
// channel.Upgrade, giving the test both ends: the server-side *channel.Conn
// the orchestrator code under test operates on, and a raw client
// *websocket.Conn the test drives directly to send/receive frames.
func wsPair(t *testing.T) (server *channel.Conn, client *websocket.Conn) {
	t.Helper()
	connCh := make(chan *channel.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := channel.Upgrade(w, r)
		require.NoError(t, err)
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-connCh
	return serverConn, clientConn
}

type fakeTool struct {
	id     string
	output string
	calls  int
}

func (f *fakeTool) ID() string                  { return f.id }
func (f *fakeTool) Description() string         { return "fake tool for tests" }
func (f *fakeTool) Parameters() json.RawMessage { return json.RawMessage(`{}`) }
func (f *fakeTool) Execute(ctx context.Context, rc *toolhost.RunContext, args json.RawMessage) (string, error) {
	f.calls++
	return f.output, nil
}

type fakeClassifier struct{ classification types.OperationClassification }

func (f *fakeClassifier) Classify(ctx context.Context, toolName string, args json.RawMessage, contextSummary string) (types.OperationClassification, error) {
	return f.classification, nil
}

var _ classifier.Classifier = (*fakeClassifier)(nil)

type fakeProvider struct{ answer string }

func (f *fakeProvider) ID() string                              { return "fake" }
func (f *fakeProvider) Name() string                             { return "Fake" }
func (f *fakeProvider) Models() []types.Model                    { return []types.Model{{ID: "model"}} }
func (f *fakeProvider) ChatModel() einomodel.ToolCallingChatModel { return nil }
func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	sw.Send(&schema.Message{Role: schema.Assistant, Content: f.answer}, nil)
	sw.Close()
	return provider.NewCompletionStream(sr), nil
}

// newPassGate builds a Gate with no rules configured at all, so Check
// always returns Pass without any LLM call (an empty ruleset never
// enters the rule engine's evaluation loop).
func newPassGate() *gate.Gate {
	return gate.New(&fakeClassifier{classification: types.OperationClassification{OperationType: types.OpReadLocal}}, nil, nil, nil)
}

// newApprovalRule returns a Rule whose trigger is the "always" literal
// (no LLM call) and whose effect a fakeProvider answering "yes" reports
// as applying, forcing Mode ModeApprove's approval_required verdict.
func newApprovalRule() types.Rule {
	return types.Rule{ID: "r1", Trigger: "always", Effect: "approve everything", Mode: types.ModeApprove, Description: "needs approval"}
}

func newApprovalEngine() *rules.Engine {
	reg := provider.NewRegistry(&types.Config{})
	reg.Register(&fakeProvider{answer: "yes"})
	return rules.New(reg, "fake/model")
}

func TestInvokeToolUnknownNameReturnsErrorResult(t *testing.T) {
	reg := toolhost.NewRegistry()
	o := &Orchestrator{tools: reg, locks: make(map[string]*sessionLock)}
	state := &types.SessionState{SessionID: "s1"}

	result := o.invokeTool(context.Background(), "s1", state, schema.ToolCall{ID: "tc1", Function: schema.FunctionCall{Name: "nope"}})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Output, "unknown tool")
	assert.Equal(t, "tc1", result.ToolCallID)
}

func TestInvokeToolRunsInnerToolWhenGatePasses(t *testing.T) {
	g := newPassGate()
	reg := toolhost.NewRegistry()
	tool := &fakeTool{id: "read", output: "file contents"}
	reg.Register(tool, g, nil)

	o := &Orchestrator{tools: reg, locks: make(map[string]*sessionLock)}
	state := &types.SessionState{SessionID: "s1"}

	result := o.invokeTool(context.Background(), "s1", state, schema.ToolCall{ID: "tc1", Function: schema.FunctionCall{Name: "read", Arguments: `{}`}})
	assert.False(t, result.IsError)
	assert.Equal(t, "file contents", result.Output)
	assert.Equal(t, 1, tool.calls)
}

func TestExecuteToolCallsApprovalApprovedRunsInnerTool(t *testing.T) {
	g := gate.New(&fakeClassifier{classification: types.OperationClassification{OperationType: types.OpWriteLocal}}, newApprovalEngine(), nil, nil)
	reg := toolhost.NewRegistry()
	tool := &fakeTool{id: "write", output: "wrote it"}
	o := &Orchestrator{tools: reg, ruleset: []types.Rule{newApprovalRule()}, locks: make(map[string]*sessionLock)}
	reg.Register(tool, g, o.ApproveToolCall)

	serverConn, clientConn := wsPair(t)
	go func() {
		for {
			var env channel.Envelope
			if err := clientConn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == channel.TypeApprovalRequest {
				clientConn.WriteJSON(channel.Envelope{Type: channel.TypeApprovalResponse, ToolCallID: env.ToolCallID, Approved: true})
			}
		}
	}()

	frames := make(chan channel.Envelope)
	connErr := make(chan error, 1)
	state := &types.SessionState{SessionID: "s1"}
	calls := []schema.ToolCall{{ID: "tc1", Function: schema.FunctionCall{Name: "write", Arguments: `{"path":"a.md"}`}}}

	results, disconnected := o.executeToolCalls(context.Background(), "s1", state, serverConn, calls, frames, connErr)
	assert.False(t, disconnected)
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "wrote it", results[0].Output)
	assert.Equal(t, 1, tool.calls)
}

func TestExecuteToolCallsApprovalDeniedRejectsWithoutRunningInnerTool(t *testing.T) {
	g := gate.New(&fakeClassifier{classification: types.OperationClassification{OperationType: types.OpWriteLocal}}, newApprovalEngine(), nil, nil)
	reg := toolhost.NewRegistry()
	tool := &fakeTool{id: "write", output: "should never run"}
	o := &Orchestrator{tools: reg, ruleset: []types.Rule{newApprovalRule()}, locks: make(map[string]*sessionLock)}
	reg.Register(tool, g, o.ApproveToolCall)

	serverConn, clientConn := wsPair(t)
	go func() {
		for {
			var env channel.Envelope
			if err := clientConn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == channel.TypeApprovalRequest {
				clientConn.WriteJSON(channel.Envelope{Type: channel.TypeApprovalResponse, ToolCallID: env.ToolCallID, Approved: false})
			}
		}
	}()

	frames := make(chan channel.Envelope)
	connErr := make(chan error, 1)
	state := &types.SessionState{SessionID: "s1"}
	calls := []schema.ToolCall{{ID: "tc1", Function: schema.FunctionCall{Name: "write", Arguments: `{}`}}}

	results, disconnected := o.executeToolCalls(context.Background(), "s1", state, serverConn, calls, frames, connErr)
	assert.False(t, disconnected)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Equal(t, 0, tool.calls, "a denied approval must never run the inner tool")
}

func TestExecuteToolCallsDisconnectDeniesAllOutstandingApprovals(t *testing.T) {
	g := gate.New(&fakeClassifier{classification: types.OperationClassification{OperationType: types.OpWriteLocal}}, newApprovalEngine(), nil, nil)
	reg := toolhost.NewRegistry()
	tool := &fakeTool{id: "write", output: "should never run"}
	o := &Orchestrator{tools: reg, ruleset: []types.Rule{newApprovalRule()}, locks: make(map[string]*sessionLock)}
	reg.Register(tool, g, o.ApproveToolCall)

	serverConn, clientConn := wsPair(t)
	clientConn.Close() // simulate an already-dead client before the turn starts

	frames := make(chan channel.Envelope)
	connErr := make(chan error, 1)
	connErr <- fmt.Errorf("websocket: close 1006")

	state := &types.SessionState{SessionID: "s1"}
	calls := []schema.ToolCall{{ID: "tc1", Function: schema.FunctionCall{Name: "write", Arguments: `{}`}}}

	results, disconnected := o.executeToolCalls(context.Background(), "s1", state, serverConn, calls, frames, connErr)
	assert.True(t, disconnected)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError, "a disconnect mid-turn must deny every outstanding approval")
}

func TestRulesFromConfigPreservesOrder(t *testing.T) {
	cfg := []types.RuleConfig{
		{ID: "r1", Trigger: "always", Effect: "block", Mode: types.ModeBlock},
		{ID: "r2", Trigger: "always", Effect: "approve", Mode: types.ModeApprove},
	}
	rs := RulesFromConfig(cfg)
	require.Len(t, rs, 2)
	assert.Equal(t, "r1", rs[0].ID)
	assert.Equal(t, "r2", rs[1].ID)
}

func TestAcquireLockSerializesSameSessionAndReleasesEntry(t *testing.T) {
	o := &Orchestrator{locks: make(map[string]*sessionLock)}

	unlock1 := o.acquireLock("s1")
	unlocked := make(chan struct{})
	go func() {
		unlock2 := o.acquireLock("s1")
		close(unlocked)
		unlock2()
	}()

	select {
	case <-unlocked:
		t.Fatal("second acquireLock for the same session must block until the first releases")
	case <-time.After(50 * time.Millisecond):
	}

	unlock1()
	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatal("second acquireLock never unblocked after the first released")
	}

	o.mu.Lock()
	_, stillTracked := o.locks["s1"]
	o.mu.Unlock()
	assert.False(t, stillTracked, "a fully-released session lock must be removed from the map")
}
