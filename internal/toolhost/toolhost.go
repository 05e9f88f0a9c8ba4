// Package toolhost is the Agent Tool Host (§2, §9): it registers every
// tool the agent may call and wraps each one in a common decorator
// that calls the Operation Gate before any side effect runs
// ("Polymorphism over tools" — a single wrapper rather than
// reimplementing gate checks in every tool). Grounded on go-opencode's
// internal/tool package (Tool interface, Registry, the
// einoToolWrapper adapter to eino's InvokableTool) with the execution
// bodies replaced: Carapace's tools act inside a session's sandbox
// container via internal/sandbox rather than on the host filesystem.
package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/carapace-run/carapace/internal/gate"
	"github.com/carapace-run/carapace/pkg/types"
)

// Tool is one capability the agent may invoke: (args) -> result_string
// (§9).
type Tool interface {
	ID() string
	Description() string
	Parameters() json.RawMessage
	// Execute performs the tool's side effect. It must not be called
	// directly by agent code — only through the Gated wrapper a
	// Registry constructs, so the Gate always runs first.
	Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error)
}

// RunContext carries the per-call state a tool and the Gate both need.
// The orchestrator constructs one per tool call and attaches it to the
// context passed into eino's tool invocation via WithRunContext.
type RunContext struct {
	SessionID      string
	ToolCallID     string
	State          *types.SessionState
	Ruleset        []types.Rule
	ContextSummary string
}

type runContextKey struct{}

// WithRunContext attaches rc to ctx for a Gated tool's Execute to read.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom retrieves the RunContext attached by WithRunContext.
func RunContextFrom(ctx context.Context) (*RunContext, bool) {
	rc, ok := ctx.Value(runContextKey{}).(*RunContext)
	return rc, ok
}

// ApprovalFunc suspends the calling goroutine until the user resolves
// an approval_required decision for one tool call, returning whether
// it was approved. The Orchestrator supplies this, correlating by
// tool_call_id over the User Channel (§4.2 "Turn protocol" step 5).
type ApprovalFunc func(ctx context.Context, rc *RunContext, toolID string, args json.RawMessage, decision gate.Decision) (approved bool, err error)

// Gated wraps a Tool so every invocation passes through the Gate
// first — the common wrapper §9 calls for instead of per-tool checks.
type Gated struct {
	inner   Tool
	gate    *gate.Gate
	approve ApprovalFunc
}

// NewGated wraps inner with gate checks, using approve to resolve any
// approval_required verdict.
func NewGated(inner Tool, g *gate.Gate, approve ApprovalFunc) *Gated {
	return &Gated{inner: inner, gate: g, approve: approve}
}

func (g *Gated) ID() string                  { return g.inner.ID() }
func (g *Gated) Description() string         { return g.inner.Description() }
func (g *Gated) Parameters() json.RawMessage { return g.inner.Parameters() }

// Execute runs the Gate's algorithm before the wrapped tool's side
// effect. A block verdict or a user denial surfaces as a
// *gate.RejectedError, matching the human-readable denial string §7
// requires ("Policy denial").
func (g *Gated) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	decision, err := g.gate.Check(ctx, rc.State, rc.Ruleset, g.inner.ID(), args, rc.ContextSummary)
	if err != nil {
		return "", fmt.Errorf("toolhost: gate check for %s: %w", g.inner.ID(), err)
	}

	switch decision.Verdict {
	case gate.Blocked:
		return "", gate.AsRejection(decision.BlockReason)
	case gate.ApprovalRequired:
		if g.approve == nil {
			return "", gate.AsRejection("approval required but no approval channel configured")
		}
		approved, err := g.approve(ctx, rc, g.inner.ID(), args, decision)
		if err != nil {
			return "", fmt.Errorf("toolhost: approval round-trip for %s: %w", g.inner.ID(), err)
		}
		if !approved {
			return "", gate.AsRejection("user denied")
		}
	}

	return g.inner.Execute(ctx, rc, args)
}

// Registry holds every Gated tool the agent may call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Gated
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Gated)}
}

// Register wraps tool in a Gated decorator and adds it under tool.ID().
func (r *Registry) Register(tool Tool, g *gate.Gate, approve ApprovalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.ID()] = NewGated(tool, g, approve)
}

// Get retrieves a registered tool by id.
func (r *Registry) Get(id string) (*Gated, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// EinoTools adapts every registered tool to eino's InvokableTool,
// reading the per-call RunContext out of ctx (attached by the
// Orchestrator via WithRunContext before invoking the agent).
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, &einoAdapter{tool: t})
	}
	return tools
}

// ToolInfos returns the eino schema.ToolInfo for every registered
// tool, for building a completion request's tool list.
func (r *Registry) ToolInfos() []*schema.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(parseJSONSchemaToParams(t.Parameters())),
		})
	}
	return infos
}

type einoAdapter struct {
	tool *Gated
}

func (a *einoAdapter) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        a.tool.ID(),
		Desc:        a.tool.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(parseJSONSchemaToParams(a.tool.Parameters())),
	}, nil
}

func (a *einoAdapter) InvokableRun(ctx context.Context, argsJSON string, opts ...einotool.Option) (string, error) {
	rc, ok := RunContextFrom(ctx)
	if !ok {
		return "", fmt.Errorf("toolhost: no RunContext attached for tool %s", a.tool.ID())
	}
	return a.tool.Execute(ctx, rc, json.RawMessage(argsJSON))
}

// parseJSONSchemaToParams converts a tool's JSON Schema parameters
// into eino's ParameterInfo map, mirroring go-opencode's
// internal/tool.parseJSONSchemaToParams.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var js struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &js); err != nil {
		return nil
	}

	required := make(map[string]bool, len(js.Required))
	for _, r := range js.Required {
		required[r] = true
	}

	params := make(map[string]*schema.ParameterInfo, len(js.Properties))
	for name, prop := range js.Properties {
		t := schema.String
		switch prop.Type {
		case "integer":
			t = schema.Integer
		case "number":
			t = schema.Number
		case "boolean":
			t = schema.Boolean
		case "array":
			t = schema.Array
		case "object":
			t = schema.Object
		}
		params[name] = &schema.ParameterInfo{Type: t, Desc: prop.Description, Required: required[name]}
	}
	return params
}
