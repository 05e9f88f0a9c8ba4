// Package rules implements steps 2-3 of the Operation Gate's algorithm
// (§4.1): trigger/effect evaluation over the rule set plus a session's
// activation state. Trigger and effect are natural-language predicates
// evaluated by an LLM, except the literal "always" trigger token, which
// is true without a model call.
//
// The (rule_id, classification_fingerprint) -> bool cache §9 invites
// implementations to add is grounded on go-opencode's
// permission.DoomLoopDetector: both fingerprint a JSON-marshalled call
// shape with sha256 to recognize repeats without re-running anything
// expensive (there an LLM call is never involved, here the asset being
// saved is exactly that).
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/pkg/types"
)

// Result is one rule's verdict against a single classification.
type Result struct {
	Rule        types.Rule
	Effective   bool // trigger met AND effect applies
	NewlyActive bool // trigger became met on this call
}

// Engine evaluates a session's rule set for one classified operation.
type Engine struct {
	registry *provider.Registry
	model    string

	mu    sync.Mutex
	cache map[string]bool // sha256(sessionID, ruleID, fingerprint, kind) -> answer
}

// New returns an Engine backed by modelRef ("provider/model").
func New(registry *provider.Registry, modelRef string) *Engine {
	return &Engine{
		registry: registry,
		model:    modelRef,
		cache:    make(map[string]bool),
	}
}

// Evaluate runs every rule in configuration order against
// classification, mutating state.ActivatedRules in place per §4.1 step 2
// and returning a Result for every rule whose trigger is met, with
// Effective reporting whether its effect applied (step 3). Rules in
// state.DisabledRules are skipped entirely.
func (e *Engine) Evaluate(ctx context.Context, sessionID string, state *types.SessionState, ruleset []types.Rule, classification types.OperationClassification) ([]Result, error) {
	var results []Result

	for _, rule := range ruleset {
		if state.IsDisabled(rule.ID) {
			continue
		}

		newlyActive := false
		triggerMet := rule.IsAlwaysTrigger() || state.HasActivated(rule.ID)
		if !triggerMet {
			met, err := e.triggerMet(ctx, sessionID, rule, state.ActivatedRules, classification)
			if err != nil {
				// Fail-open for triggers (§4.1 "Failure modes"): an
				// ambiguous trigger answer must not block the call
				// outright, only skip activation this round.
				logging.Warn().Err(err).Str("rule", rule.ID).Msg("rules: trigger evaluation failed, treating as not met")
				met = false
			}
			triggerMet = met
		}

		if !triggerMet {
			continue
		}

		if !rule.IsAlwaysTrigger() && !state.HasActivated(rule.ID) {
			state.Activate(rule.ID)
			newlyActive = true
		}

		applies, err := e.effectApplies(ctx, rule, classification)
		if err != nil {
			// An effect answer that cannot be read is treated as not
			// applying: the rule is reported with Effective false and
			// contributes no verdict, so the Gate's overall verdict
			// comes from the other rules (Pass when none applies).
			logging.Warn().Err(err).Str("rule", rule.ID).Msg("rules: effect evaluation failed, treating as not applying")
			applies = false
		}

		results = append(results, Result{Rule: rule, Effective: applies, NewlyActive: newlyActive})
	}

	return results, nil
}

func (e *Engine) triggerMet(ctx context.Context, sessionID string, rule types.Rule, activated []string, c types.OperationClassification) (bool, error) {
	key := e.cacheKey(sessionID, rule.ID, "trigger", c)
	if v, ok := e.cacheGet(key); ok {
		return v, nil
	}
	answer, err := e.askYesNo(ctx, fmt.Sprintf(
		"A security rule's trigger predicate is: %q\n"+
			"Rules already in force this session: %s\n"+
			"The operation about to happen is classified as: %s (%s)\n"+
			"Is the trigger predicate true? Answer only yes or no.",
		rule.Trigger, strings.Join(activated, ", "), c.OperationType, c.Description))
	if err != nil {
		return false, err
	}
	e.cacheSet(key, answer)
	return answer, nil
}

func (e *Engine) effectApplies(ctx context.Context, rule types.Rule, c types.OperationClassification) (bool, error) {
	key := e.cacheKey("", rule.ID, "effect", c)
	if v, ok := e.cacheGet(key); ok {
		return v, nil
	}
	answer, err := e.askYesNo(ctx, fmt.Sprintf(
		"A security rule's effect predicate is: %q\n"+
			"The operation about to happen is classified as: %s — %s (categories: %s)\n"+
			"Does the effect predicate apply to this operation? Answer only yes or no.",
		rule.Effect, c.OperationType, c.Description, strings.Join(c.Categories, ", ")))
	if err != nil {
		return false, err
	}
	e.cacheSet(key, answer)
	return answer, nil
}

func (e *Engine) askYesNo(ctx context.Context, prompt string) (bool, error) {
	prov, _, err := e.registry.Resolve(e.model)
	if err != nil {
		return false, err
	}
	_, modelID := provider.ParseModelString(e.model)
	req := &provider.CompletionRequest{
		Model: modelID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: "Answer strictly with the single word yes or no."},
			{Role: schema.User, Content: prompt},
		},
		MaxTokens:   8,
		Temperature: 0,
	}
	raw, err := provider.CompleteText(ctx, prov, req)
	if err != nil {
		return false, err
	}
	return parseYesNo(raw)
}

// parseYesNo requires an unambiguous yes/no; anything else is an error
// so callers can apply the fail-open/fail-closed policy themselves.
func parseYesNo(raw string) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, ".! ")
	switch {
	case strings.HasPrefix(s, "yes"):
		return true, nil
	case strings.HasPrefix(s, "no"):
		return false, nil
	default:
		return false, fmt.Errorf("ambiguous yes/no answer: %q", raw)
	}
}

func (e *Engine) cacheKey(sessionID, ruleID, kind string, c types.OperationClassification) string {
	data, _ := json.Marshal(struct {
		S, R, K string
		C       types.OperationClassification
	}{sessionID, ruleID, kind, c})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func (e *Engine) cacheGet(key string) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.cache[key]
	return v, ok
}

func (e *Engine) cacheSet(key string, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = v
	// Unbounded growth over a long process lifetime is bounded in
	// practice by the classification fingerprint's cardinality; a real
	// deployment would evict on a per-session TTL, left as a known
	// limitation rather than engineered out speculatively.
}
