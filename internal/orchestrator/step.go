package orchestrator

import (
	"io"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/pkg/types"
)

// completeStep drains one non-streamed-to-client LLM turn into a
// single assembled message. Eino's streaming model sends tool calls as
// index-keyed deltas (an initial chunk carrying ID/Name, further
// chunks carrying only Arguments fragments); this assembles them the
// way go-opencode's internal/session/stream.go does, trimmed to the
// one assistant message Carapace needs rather than incremental UI
// parts, since the wire protocol doesn't stream tokens to the client
// (§4.5 reserves `token` for that).
func completeStep(stream *provider.CompletionStream) (*schema.Message, types.UsageCounters, string, error) {
	var content strings.Builder
	toolByIndex := make(map[int]*schema.ToolCall)
	argsByIndex := make(map[int]*strings.Builder)
	var order []int
	var finishReason string
	var usage types.UsageCounters

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, usage, "", err
		}

		if msg.Content != "" {
			content.WriteString(msg.Content)
		}

		for _, tc := range msg.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := toolByIndex[idx]
			if !ok {
				copyTC := tc
				toolByIndex[idx] = &copyTC
				argsByIndex[idx] = &strings.Builder{}
				order = append(order, idx)
			} else {
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
			}
			if tc.Function.Arguments != "" {
				argsByIndex[idx].WriteString(tc.Function.Arguments)
			}
		}

		if msg.ResponseMeta != nil {
			if msg.ResponseMeta.Usage != nil {
				usage.Input += int64(msg.ResponseMeta.Usage.PromptTokens)
				usage.Output += int64(msg.ResponseMeta.Usage.CompletionTokens)
			}
			if msg.ResponseMeta.FinishReason != "" {
				finishReason = msg.ResponseMeta.FinishReason
			}
		}
	}
	usage.Requests = 1

	sort.Ints(order)
	var toolCalls []schema.ToolCall
	for _, idx := range order {
		tc := toolByIndex[idx]
		tc.Function.Arguments = argsByIndex[idx].String()
		toolCalls = append(toolCalls, *tc)
	}

	if finishReason == "" {
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		} else {
			finishReason = "stop"
		}
	}
	if finishReason == "tool_use" {
		finishReason = "tool_calls"
	}

	return &schema.Message{Role: schema.Assistant, Content: content.String(), ToolCalls: toolCalls}, usage, finishReason, nil
}
