// Package gate implements the Operation Gate (§4.1): the
// classify-then-evaluate pipeline that decides whether a tool call
// proceeds, blocks, or requires human approval. Every tool the Agent
// Tool Host registers calls Check before it performs a side effect
// (§9 "Polymorphism over tools").
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carapace-run/carapace/internal/classifier"
	"github.com/carapace-run/carapace/internal/event"
	"github.com/carapace-run/carapace/internal/metrics"
	"github.com/carapace-run/carapace/internal/rules"
	"github.com/carapace-run/carapace/pkg/types"
)

// Verdict is the Gate's decision for one tool call.
type Verdict string

const (
	Pass             Verdict = "pass"
	ApprovalRequired Verdict = "approval_required"
	Blocked          Verdict = "blocked"
)

// RejectedError is returned by tools when the Gate's final resolution
// (after any approval round-trip) is a denial — either a mode=block
// rule or a human "no". Callers pattern-match on this to return a
// human-readable string to the agent rather than propagating a raw
// error, mirroring go-opencode's permission.RejectedError switch point.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "operation rejected: " + e.Reason }

// Decision is the Gate's output: a verdict plus the metadata the user
// channel needs to render an approval_request (§4.1 step 4).
type Decision struct {
	Verdict        Verdict
	Classification types.OperationClassification
	TriggeredRules []string
	Descriptions   []string
	BlockReason    string
}

// Gate composes the Classifier and Rule Engine.
type Gate struct {
	classifier classifier.Classifier
	rules      *rules.Engine
	metrics    *metrics.Registry
	bus        *event.Bus
}

// New constructs a Gate. metrics and bus may be nil in tests.
func New(c classifier.Classifier, r *rules.Engine, m *metrics.Registry, bus *event.Bus) *Gate {
	return &Gate{classifier: c, rules: r, metrics: m, bus: bus}
}

// Check runs the Gate's algorithm (§4.1 "Algorithm") for one tool call,
// mutating state.ActivatedRules for any rule whose trigger newly fires.
// ruleset must be supplied in configuration order — the Rule Engine
// evaluates rules in exactly that order, and "block overrides
// approval_required overrides pass" is computed after every rule has
// been checked, not short-circuited on the first block, so activation
// side effects from later rules still happen.
func (g *Gate) Check(ctx context.Context, state *types.SessionState, ruleset []types.Rule, toolName string, args json.RawMessage, contextSummary string) (Decision, error) {
	classification, err := g.classifier.Classify(ctx, toolName, args, contextSummary)
	if err != nil {
		// Classifier failures are fatal for the tool call (§4.1).
		return Decision{}, fmt.Errorf("gate: classify %s: %w", toolName, err)
	}

	results, err := g.rules.Evaluate(ctx, state.SessionID, state, ruleset, classification)
	if err != nil {
		return Decision{}, fmt.Errorf("gate: evaluate rules: %w", err)
	}

	decision := Decision{Classification: classification, Verdict: Pass}
	for _, r := range results {
		if r.NewlyActive {
			g.publishActivation(state.SessionID, r.Rule.ID)
		}
		if !r.Effective {
			continue
		}
		decision.TriggeredRules = append(decision.TriggeredRules, r.Rule.ID)
		decision.Descriptions = append(decision.Descriptions, r.Rule.Description)
		if r.Rule.Mode == types.ModeBlock {
			decision.Verdict = Blocked
			decision.BlockReason = r.Rule.Description
		} else if decision.Verdict != Blocked {
			decision.Verdict = ApprovalRequired
		}
	}

	g.recordVerdict(decision.Verdict)
	return decision, nil
}

func (g *Gate) publishActivation(sessionID, ruleID string) {
	if g.metrics != nil {
		g.metrics.RuleActivations.WithLabelValues(ruleID).Inc()
	}
	if g.bus == nil {
		return
	}
	g.bus.Publish(event.Event{
		Type: event.RuleActivated,
		Data: event.RuleActivatedData{SessionID: sessionID, RuleID: ruleID},
	})
}

func (g *Gate) recordVerdict(v Verdict) {
	if g.metrics == nil {
		return
	}
	g.metrics.GateVerdicts.WithLabelValues(string(v)).Inc()
}

// AsRejection converts a denial (block verdict, or a human "no" on an
// approval_required call) into the RejectedError tools return instead
// of a generic error, so the agent sees a composable denial string
// rather than a stack-unwinding failure (§7 "Policy denial").
func AsRejection(reason string) error {
	return &RejectedError{Reason: reason}
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}
