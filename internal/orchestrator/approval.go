package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/carapace-run/carapace/internal/channel"
	"github.com/carapace-run/carapace/internal/event"
	"github.com/carapace-run/carapace/internal/gate"
	"github.com/carapace-run/carapace/internal/toolhost"
)

// approvalHub multiplexes one turn's DeferredApprovals batch: every
// tool call requiring approval registers a slot keyed by tool_call_id,
// and the turn's frame-reading loop resolves slots as
// ApprovalResponse envelopes arrive, until the pending set empties
// (§4.2 "Turn protocol" step 5).
type approvalHub struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

func newApprovalHub() *approvalHub {
	return &approvalHub{pending: make(map[string]chan bool)}
}

func (h *approvalHub) register(toolCallID string) chan bool {
	ch := make(chan bool, 1)
	h.mu.Lock()
	h.pending[toolCallID] = ch
	h.mu.Unlock()
	return ch
}

func (h *approvalHub) forget(toolCallID string) {
	h.mu.Lock()
	delete(h.pending, toolCallID)
	h.mu.Unlock()
}

// resolve delivers approved to the slot named toolCallID, reporting
// whether one was pending.
func (h *approvalHub) resolve(toolCallID string, approved bool) bool {
	h.mu.Lock()
	ch, ok := h.pending[toolCallID]
	if ok {
		delete(h.pending, toolCallID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

// denyAll resolves every still-outstanding slot as denied. Used both
// when the channel disconnects mid-turn (§4.2 "Cancellation") and when
// a non-response message arrives during the approval-collection phase,
// which §4.2 step 5 calls malformed and treats as denied.
func (h *approvalHub) denyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.pending {
		ch <- false
		delete(h.pending, id)
	}
}

// turnHandle is the per-turn context a tool's approval callback reads
// to know which connection to prompt and which hub to register with.
// Attached to the context passed into each concurrently executing
// Gated tool call.
type turnHandle struct {
	hub  *approvalHub
	conn *channel.Conn
}

type turnCtxKey struct{}

func withTurn(ctx context.Context, t *turnHandle) context.Context {
	return context.WithValue(ctx, turnCtxKey{}, t)
}

func turnFrom(ctx context.Context) (*turnHandle, bool) {
	t, ok := ctx.Value(turnCtxKey{}).(*turnHandle)
	return t, ok
}

// ApproveToolCall is the toolhost.ApprovalFunc every Gated tool shares
// (constructed once per Orchestrator, §9 "Polymorphism over tools").
// It suspends until the turn's frame loop resolves the tool call's
// slot or the turn's context is cancelled. Callers register it with
// internal/toolhost.Registry.Register for every tool at startup.
func (o *Orchestrator) ApproveToolCall(ctx context.Context, rc *toolhost.RunContext, toolID string, args json.RawMessage, decision gate.Decision) (bool, error) {
	t, ok := turnFrom(ctx)
	if !ok {
		return false, fmt.Errorf("orchestrator: approval requested outside an active turn")
	}

	ch := t.hub.register(rc.ToolCallID)
	env := channel.ApprovalRequest(rc.ToolCallID, toolID, args, string(decision.Classification.OperationType), decision.TriggeredRules, decision.Descriptions)
	if err := t.conn.Send(env); err != nil {
		t.hub.forget(rc.ToolCallID)
		return false, fmt.Errorf("orchestrator: send approval_request: %w", err)
	}
	o.publish(event.ApprovalRequested, map[string]string{"tool_call_id": rc.ToolCallID, "tool": toolID})

	select {
	case approved := <-ch:
		o.publish(event.ApprovalResolved, map[string]any{"tool_call_id": rc.ToolCallID, "tool": toolID, "approved": approved})
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (o *Orchestrator) publish(t event.Type, data any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(event.Event{Type: t, Data: data})
}
