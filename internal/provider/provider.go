// Package provider abstracts the LLM provider transport the Classifier,
// Rule Engine, and Session Orchestrator's agent loop all call through.
// Provider transport and retry policy are treated as an external
// collaborator (§1 "Out of scope"); this package is go-opencode's
// own eino-based provider abstraction, trimmed to the two providers
// Carapace wires (Anthropic, OpenAI) and adapted to Carapace's
// HistoryMessage/ToolCallRequest wire types instead of go-opencode's
// Message/Part model.
package provider

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/carapace-run/carapace/pkg/types"
)

// Provider is one configured LLM backend.
type Provider interface {
	ID() string
	Name() string
	Models() []types.Model
	ChatModel() model.ToolCallingChatModel
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest is one LLM call, used both for full agent turns
// (with Tools populated) and for the Classifier/Rule Engine's
// single-shot evaluation calls (Tools empty).
type CompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []*schema.Message  `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int                `json:"maxTokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

// CompletionStream wraps an eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

func (s *CompletionStream) Recv() (*schema.Message, error) { return s.reader.Recv() }
func (s *CompletionStream) Close()                         { s.reader.Close() }

// CompleteText drains a non-streamed completion into a single string.
// The Classifier and Rule Engine's LLM evaluators are single-shot,
// tool-free calls (§4.1); this is their shared entry point so neither
// package reimplements stream draining.
func CompleteText(ctx context.Context, prov Provider, req *CompletionRequest) (string, error) {
	stream, err := prov.CreateCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(msg.Content)
	}
	return sb.String(), nil
}

// ToolInfo is a tool definition for the LLM, parameters as JSON Schema.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ConvertToEinoTools converts Carapace tool definitions to eino's
// schema.ToolInfo, the shape its ChatModel.WithTools expects.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}
		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool, len(jsonSchema.Required))
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo, len(jsonSchema.Properties))
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}
	return params
}

// ConvertToEinoMessages converts Carapace history into eino messages
// for a provider call. Tool-call requests on an assistant message
// become schema.ToolCall entries; a "tool" role message carries its
// ToolCallID as the correlating id.
func ConvertToEinoMessages(messages []types.HistoryMessage) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		role := schema.Assistant
		switch msg.Role {
		case "user":
			role = schema.User
		case "system":
			role = schema.System
		case "tool":
			role = schema.Tool
		}

		var toolCalls []schema.ToolCall
		for _, tc := range msg.ToolCalls {
			toolCalls = append(toolCalls, schema.ToolCall{
				ID: tc.ToolCallID,
				Function: schema.FunctionCall{
					Name:      tc.ToolName,
					Arguments: string(tc.Input),
				},
			})
		}

		einoMsg := &schema.Message{
			Role:      role,
			Content:   msg.Content,
			ToolCalls: toolCalls,
		}
		if msg.Role == "tool" {
			einoMsg.ToolCallID = msg.ToolCallID
		}
		result = append(result, einoMsg)
	}
	return result
}

// ConvertFromEinoMessage converts one eino response message into a
// HistoryMessage ready to append to a session's history.
func ConvertFromEinoMessage(msg *schema.Message, createdAt int64) types.HistoryMessage {
	role := "assistant"
	switch msg.Role {
	case schema.User:
		role = "user"
	case schema.System:
		role = "system"
	case schema.Tool:
		role = "tool"
	}

	out := types.HistoryMessage{
		Role:      role,
		Content:   msg.Content,
		CreatedAt: createdAt,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCallRequest{
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Input:      []byte(tc.Function.Arguments),
		})
	}
	return out
}
