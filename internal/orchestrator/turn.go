package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/carapace-run/carapace/internal/channel"
	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/internal/toolhost"
	"github.com/carapace-run/carapace/pkg/types"
)

const (
	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsedTime  = 2 * time.Minute
	retryMaxAttempts     = 3
)

// newCompletionBackoff mirrors go-opencode's newRetryBackoff: exponential
// backoff with jitter, capped both by elapsed time and attempt count, and
// cancelled the moment ctx is done.
func newCompletionBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts), ctx)
}

const systemPrompt = `You are an autonomous agent. Every tool you call runs inside a
sandboxed container, not on the operator's machine; network egress from
that sandbox passes through an authorizing proxy, so some tool calls may
pause while a human reviews them. Work within that model rather than
trying to route around it.`

// runTurn implements the Turn protocol's steps 3-7 (§4.2). It assumes
// the caller already holds sessionID's lock. The returned bool reports
// whether the channel was found disconnected during the turn, in
// which case the caller should stop serving it.
func (o *Orchestrator) runTurn(ctx context.Context, sessionID string, conn *channel.Conn, content string, frames <-chan channel.Envelope, connErr <-chan error) (bool, error) {
	state, err := o.store.LoadState(sessionID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: load state: %w", err)
	}
	history, err := o.store.LoadHistory(sessionID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: load history: %w", err)
	}
	usage, err := o.store.LoadUsage(sessionID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: load usage: %w", err)
	}

	now := time.Now().Unix()
	history = append(history, types.HistoryMessage{ID: newHistoryID(), Role: "user", Content: content, CreatedAt: now})

	prov, model, err := o.registry.Resolve(o.model)
	if err != nil {
		return false, fmt.Errorf("orchestrator: resolve model %s: %w", o.model, err)
	}

	var finalContent string
	disconnected := false

	for step := 0; step < MaxSteps; step++ {
		select {
		case <-ctx.Done():
			return disconnected, ctx.Err()
		default:
		}

		req := &provider.CompletionRequest{
			Model:       model.ID,
			Messages:    append([]*schema.Message{{Role: schema.System, Content: systemPrompt}}, provider.ConvertToEinoMessages(history)...),
			Tools:       o.tools.ToolInfos(),
			MaxTokens:   model.MaxOutputTokens,
			Temperature: 0,
		}

		var stream *provider.CompletionStream
		retry := newCompletionBackoff(ctx)
		err = backoff.Retry(func() error {
			s, cErr := prov.CreateCompletion(ctx, req)
			if cErr != nil {
				logging.Warn().Err(cErr).Str("session", sessionID).Msg("orchestrator: completion request failed, retrying")
				return cErr
			}
			stream = s
			return nil
		}, retry)
		if err != nil {
			return disconnected, fmt.Errorf("orchestrator: completion request: %w", err)
		}
		msg, stepUsage, finishReason, err := completeStep(stream)
		stream.Close()
		if err != nil {
			return disconnected, fmt.Errorf("orchestrator: stream: %w", err)
		}

		usage.Record(o.model, "agent", stepUsage)

		createdAt := time.Now().Unix()
		history = append(history, provider.ConvertFromEinoMessage(msg, createdAt))

		if finishReason != "tool_calls" || len(msg.ToolCalls) == 0 {
			finalContent = msg.Content
			break
		}

		results, stepDisconnected := o.executeToolCalls(ctx, sessionID, state, conn, msg.ToolCalls, frames, connErr)
		if stepDisconnected {
			disconnected = true
		}
		for _, r := range results {
			history = append(history, types.HistoryMessage{
				ID:         newHistoryID(),
				Role:       "tool",
				Content:    r.Output,
				ToolCallID: r.ToolCallID,
				CreatedAt:  time.Now().Unix(),
			})
		}
		if disconnected {
			break
		}
	}

	// Done is the turn-terminating message (§4.5); it must go out before
	// persistence runs so a persistence failure never suppresses it
	// (§7 "Persistence failure: surfaced as a log event; session
	// continues in-memory" — it must not also swallow the turn's
	// result). Mirrors original_source/src/carapace/server.py's
	// _run_agent_turn, which sends Done strictly before its caller's
	// save_history/save_state/save_usage/append_events calls.
	if !disconnected {
		conn.Send(channel.Done(finalContent))
	}

	if err := o.store.SaveHistory(sessionID, history); err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("orchestrator: persist history failed")
	}
	if err := o.store.SaveState(sessionID, state); err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("orchestrator: persist state failed")
	}
	if err := o.store.SaveUsage(sessionID, usage); err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("orchestrator: persist usage failed")
	}
	o.store.AppendEvent(sessionID, types.EventLogEntry{Role: "user", Content: content, Timestamp: now})
	o.store.AppendEvent(sessionID, types.EventLogEntry{Role: "assistant", Content: finalContent, Timestamp: time.Now().Unix()})

	return disconnected, nil
}

// executeToolCalls runs every deferred tool call concurrently (§4.2
// step 4's "batch"), multiplexing any ApprovalRequest round-trips
// through a shared hub while this goroutine keeps reading frames off
// the connection — the frame loop itself is how step 5's "collect
// ApprovalResponse by tool_call_id until the pending set is empty" is
// implemented.
func (o *Orchestrator) executeToolCalls(ctx context.Context, sessionID string, state *types.SessionState, conn *channel.Conn, calls []schema.ToolCall, frames <-chan channel.Envelope, connErr <-chan error) ([]types.ToolCallResult, bool) {
	hub := newApprovalHub()
	handle := &turnHandle{hub: hub, conn: conn}
	turnCtx := withTurn(ctx, handle)

	results := make([]types.ToolCallResult, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc schema.ToolCall) {
			defer wg.Done()
			results[i] = o.invokeTool(turnCtx, sessionID, state, tc)
		}(i, tc)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return results, false
		case err := <-connErr:
			logging.Warn().Err(err).Str("session", sessionID).Msg("orchestrator: channel disconnected mid-turn")
			hub.denyAll()
			<-done
			return results, true
		case env := <-frames:
			o.dispatchDuringApproval(conn, hub, env)
		}
	}
}

// dispatchDuringApproval handles one frame read while a batch of tool
// calls is awaiting approval. proxy_approval_response and invalid
// types are handled the same way they are outside a turn, since they
// use a disjoint identifier space and may legitimately arrive "at any
// time during a turn" (§4.5). Anything else — a client message sent
// instead of the expected approval_response — is malformed and denies
// the whole outstanding batch (§4.2 step 5).
func (o *Orchestrator) dispatchDuringApproval(conn *channel.Conn, hub *approvalHub, env channel.Envelope) {
	if !channel.ValidClientType(env.Type) {
		conn.Send(channel.Error("unknown message type"))
		return
	}
	switch env.Type {
	case channel.TypeApprovalResponse:
		if !hub.resolve(env.ToolCallID, env.Approved) {
			conn.Send(channel.Error("no approval pending for tool_call_id"))
		}
	case channel.TypeProxyApprovalResponse:
		o.sandbox.Domains.Resolve(env.RequestID, types.ProxyDecision(env.Decision))
	default:
		hub.denyAll()
	}
}

// invokeTool runs one tool call through its Gated wrapper, converting
// an unknown tool name or a policy rejection into a tool-result error
// string rather than failing the whole turn.
func (o *Orchestrator) invokeTool(ctx context.Context, sessionID string, state *types.SessionState, tc schema.ToolCall) types.ToolCallResult {
	gated, ok := o.tools.Get(tc.Function.Name)
	if !ok {
		return types.ToolCallResult{ToolCallID: tc.ID, Output: fmt.Sprintf("unknown tool %q", tc.Function.Name), IsError: true}
	}

	rc := &toolhost.RunContext{
		SessionID:  sessionID,
		ToolCallID: tc.ID,
		State:      state,
		Ruleset:    o.ruleset,
	}

	out, err := gated.Execute(ctx, rc, json.RawMessage(tc.Function.Arguments))
	if err != nil {
		return types.ToolCallResult{ToolCallID: tc.ID, Output: err.Error(), IsError: true}
	}
	return types.ToolCallResult{ToolCallID: tc.ID, Output: out}
}

// drainProxyApprovals is the per-channel background task that empties
// the Sandbox Manager's domain approval queue for sessionID and
// forwards each as a ProxyApprovalRequest (§4.2 "Concurrent channel:
// proxy approvals"). It polls rather than blocking on a signal since
// the queue has no dedicated wakeup channel — the approval itself
// already blocks the proxy connection, so sub-second latency here is
// not load-bearing.
func (o *Orchestrator) drainProxyApprovals(ctx context.Context, sessionID string, conn *channel.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range o.sandbox.Domains.DrainQueue(sessionID) {
				if err := conn.Send(channel.ProxyApprovalRequest(p.RequestID, p.Domain, p.Command)); err != nil {
					return
				}
			}
		}
	}
}
