// Package orchestrator implements the Session Orchestrator (§4.2): it
// serves one User Channel connection, drives agent turns through the
// Operation Gate and Agent Tool Host, multiplexes approval requests
// back over the channel, and persists history/state/usage/events
// through the Session Store after every completed turn.
//
// Grounded on go-opencode's internal/session package (Processor/runLoop
// in loop.go, the stream-draining accumulation in stream.go) with the
// execution substrate replaced: where go-opencode runs tools directly
// and streams deltas to the client over SSE, Carapace runs one
// non-streamed step at a time (the wire protocol reserves `token` for
// future streaming, §4.5) and every tool call passes through
// internal/toolhost's Gated decorator before it can have a side effect.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/carapace-run/carapace/internal/channel"
	"github.com/carapace-run/carapace/internal/event"
	"github.com/carapace-run/carapace/internal/gate"
	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/metrics"
	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/internal/sandbox"
	"github.com/carapace-run/carapace/internal/storage"
	"github.com/carapace-run/carapace/internal/toolhost"
	"github.com/carapace-run/carapace/pkg/types"
)

// CommandExecutor resolves one slash command synchronously, returning
// the command name and a JSON-serializable data payload for the
// terminal CommandResult envelope (§4.2 step 2, §4.5).
type CommandExecutor interface {
	Execute(ctx context.Context, sessionID, command string) (name string, data any, err error)
}

// MaxSteps bounds one turn's agent/tool-call iterations, mirroring
// go-opencode's session.MaxSteps safeguard against runaway loops.
const MaxSteps = 50

// Orchestrator drives turns for every session, serialized per
// session_id (§4.2 "Per-session lock").
type Orchestrator struct {
	store    *storage.Store
	registry *provider.Registry
	model    string
	ruleset  []types.Rule
	gate     *gate.Gate
	tools    *toolhost.Registry
	sandbox  *sandbox.Manager
	metrics  *metrics.Registry
	commands CommandExecutor
	bus      *event.Bus

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu  sync.Mutex
	ref int
}

// New constructs an Orchestrator. model is "provider/model" for the
// main agent loop (distinct from the Gate's small-model slot). bus may
// be nil in tests.
func New(store *storage.Store, registry *provider.Registry, model string, ruleset []types.Rule, g *gate.Gate, tools *toolhost.Registry, sbox *sandbox.Manager, m *metrics.Registry, commands CommandExecutor, bus *event.Bus) *Orchestrator {
	return &Orchestrator{
		store:    store,
		registry: registry,
		model:    model,
		ruleset:  ruleset,
		gate:     g,
		tools:    tools,
		sandbox:  sbox,
		metrics:  m,
		commands: commands,
		bus:      bus,
		locks:    make(map[string]*sessionLock),
	}
}

// RulesFromConfig converts the on-disk RuleConfig list into the Rule
// slice the Gate evaluates, in configuration order (§4.1 requires
// rules be evaluated in exactly that order).
func RulesFromConfig(cfg []types.RuleConfig) []types.Rule {
	rules := make([]types.Rule, len(cfg))
	for i, rc := range cfg {
		rules[i] = types.Rule{ID: rc.ID, Trigger: rc.Trigger, Effect: rc.Effect, Mode: rc.Mode, Description: rc.Description}
	}
	return rules
}

// acquireLock serializes turns (and slash commands, since both read
// and mutate SessionState) for one session_id, reference-counted so
// more than one channel may hold an interest in the session without
// leaking lock entries (§4.2 "Per-session lock").
func (o *Orchestrator) acquireLock(sessionID string) func() {
	o.mu.Lock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		o.locks[sessionID] = l
	}
	l.ref++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.ref--
		if l.ref == 0 {
			delete(o.locks, sessionID)
		}
		o.mu.Unlock()
	}
}

// Serve drives one connected channel for sessionID until it
// disconnects. It owns the connection's single read loop: frames not
// consumed by an in-flight turn's approval-collection phase are
// dispatched here.
func (o *Orchestrator) Serve(ctx context.Context, sessionID string, conn *channel.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan channel.Envelope)
	connErr := make(chan error, 1)
	go func() {
		for {
			env, err := conn.Recv()
			if err != nil {
				connErr <- err
				return
			}
			frames <- env
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go conn.KeepAlive(stop)

	drainStop := make(chan struct{})
	defer close(drainStop)
	go o.drainProxyApprovals(ctx, sessionID, conn, drainStop)

	for {
		select {
		case <-ctx.Done():
			o.sandbox.Domains.CancelSession(sessionID)
			return
		case <-connErr:
			logging.Info().Str("session", sessionID).Msg("orchestrator: channel disconnected")
			o.sandbox.Domains.CancelSession(sessionID)
			return
		case env := <-frames:
			if !channel.ValidClientType(env.Type) {
				conn.Send(channel.Error("unknown message type"))
				continue
			}
			switch env.Type {
			case channel.TypeMessage:
				if disconnected := o.handleMessage(ctx, sessionID, conn, env.Content, frames, connErr); disconnected {
					o.sandbox.Domains.CancelSession(sessionID)
					return
				}
			case channel.TypeProxyApprovalResponse:
				o.sandbox.Domains.Resolve(env.RequestID, types.ProxyDecision(env.Decision))
			case channel.TypeApprovalResponse:
				conn.Send(channel.Error("no approval pending for tool_call_id"))
			}
		}
	}
}

// handleMessage implements turn protocol step 1-2: a leading "/"
// resolves as a slash command, anything else starts an agent turn.
// Both hold the session lock for their full duration. It returns
// whether the channel was found to be disconnected.
func (o *Orchestrator) handleMessage(ctx context.Context, sessionID string, conn *channel.Conn, content string, frames <-chan channel.Envelope, connErr <-chan error) bool {
	unlock := o.acquireLock(sessionID)
	defer unlock()

	if strings.HasPrefix(strings.TrimSpace(content), "/") {
		o.runCommand(ctx, sessionID, conn, content)
		return false
	}

	disconnected, err := o.runTurn(ctx, sessionID, conn, content, frames, connErr)
	if err != nil {
		logging.Error().Err(err).Str("session", sessionID).Msg("orchestrator: turn failed")
		conn.Send(channel.Error(err.Error()))
	}
	return disconnected
}

// runCommand resolves one slash command and replies with the terminal
// CommandResult envelope (§4.2 step 2).
func (o *Orchestrator) runCommand(ctx context.Context, sessionID string, conn *channel.Conn, content string) {
	if o.commands == nil {
		conn.Send(channel.Error("no command executor configured"))
		return
	}
	name, data, err := o.commands.Execute(ctx, sessionID, content)
	if err != nil {
		conn.Send(channel.Error(err.Error()))
		return
	}
	conn.Send(channel.CommandResult(name, data))
	o.store.AppendEvent(sessionID, types.EventLogEntry{
		Role:      "command",
		Data:      map[string]any{"command": content, "result": data},
		Timestamp: time.Now().Unix(),
	})
}

func newHistoryID() string {
	return ulid.Make().String()
}
