// Package classifier implements step 1 of the Operation Gate (§4.1):
// given a tool call, ask an LLM to produce an OperationClassification.
// It reuses internal/provider's single-shot, tool-free completion path
// the way go-opencode's own session package drives its agent loop,
// trimmed to one request/response round trip instead of a streaming
// multi-turn conversation.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/pkg/types"
)

// Classifier produces an OperationClassification for one tool call.
type Classifier interface {
	Classify(ctx context.Context, toolName string, args json.RawMessage, contextSummary string) (types.OperationClassification, error)
}

// LLMClassifier calls the configured small model with a fixed system
// prompt instructing it to return JSON matching OperationClassification.
type LLMClassifier struct {
	registry *provider.Registry
	model    string
}

// New returns a Classifier backed by modelRef ("provider/model"), the
// same small-model slot the Rule Engine's evaluators use (§9 rationale
// — classification doesn't need full agent-quality reasoning).
func New(registry *provider.Registry, modelRef string) *LLMClassifier {
	return &LLMClassifier{registry: registry, model: modelRef}
}

const systemPrompt = `You classify a single tool call an autonomous agent is about to
execute. Respond with ONLY a JSON object of this exact shape, no prose:

{"operation_type": "read_local|write_local|read_external|write_external|read_sensitive|write_sensitive|execute|credential_access|memory_read|memory_write|skill_modify",
 "categories": ["..."],
 "description": "one sentence, plain English, for a human approver",
 "confidence": 0.0-1.0}

operation_type must be exactly one of the listed values. categories is a
short list of free-form tags (e.g. "filesystem", "network", "shell").
Pick read_external/write_external for anything that crosses the
sandbox boundary (network egress), read_sensitive/write_sensitive for
credentials or secrets, execute for shell/process execution,
memory_read/memory_write for the agent's own memory store, and
skill_modify for writes under the skills directory.`

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, toolName string, args json.RawMessage, contextSummary string) (types.OperationClassification, error) {
	prov, _, err := c.registry.Resolve(c.model)
	if err != nil {
		return types.OperationClassification{}, fmt.Errorf("classifier: resolve model %s: %w", c.model, err)
	}

	user := fmt.Sprintf("tool: %s\narguments: %s\nsession context: %s", toolName, string(args), contextSummary)

	req := &provider.CompletionRequest{
		Model: modelID(c.model),
		Messages: []*schema.Message{
			{Role: schema.System, Content: systemPrompt},
			{Role: schema.User, Content: user},
		},
		MaxTokens:   512,
		Temperature: 0,
	}

	raw, err := provider.CompleteText(ctx, prov, req)
	if err != nil {
		return types.OperationClassification{}, fmt.Errorf("classifier: llm call: %w", err)
	}

	classification, err := parseClassification(raw)
	if err != nil {
		// Classifier failures are fatal for the tool call (§4.1
		// "Failure modes"); the caller surfaces this to the agent.
		return types.OperationClassification{}, fmt.Errorf("classifier: malformed response: %w", err)
	}
	return classification, nil
}

func modelID(ref string) string {
	_, id := provider.ParseModelString(ref)
	return id
}

func parseClassification(raw string) (types.OperationClassification, error) {
	jsonStr := extractJSONObject(raw)
	var c types.OperationClassification
	if err := json.Unmarshal([]byte(jsonStr), &c); err != nil {
		return types.OperationClassification{}, err
	}
	if c.OperationType == "" {
		return types.OperationClassification{}, fmt.Errorf("empty operation_type")
	}
	return c, nil
}

// extractJSONObject trims any leading/trailing prose a model adds
// around the JSON object despite instructions, taking the span from
// the first '{' through the last '}'.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		logging.Debug().Str("raw", s).Msg("classifier: no JSON object found in response")
		return s
	}
	return s[start : end+1]
}
