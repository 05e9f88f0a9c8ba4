// Package channel implements the User Channel (§4.5): a bidirectional,
// ordered JSON-envelope stream between one connected client and one
// session, carried over a websocket. Grounded on gorilla/websocket,
// the same library other chat-style services (e.g. cklxx-elephant.ai's
// pkg/api/websocket.go) use for their connection lifecycle, in place
// of go-opencode's one-way internal/server/sse.go stream — §4.5
// requires genuine client-to-server frames (approval_response,
// proxy_approval_response) that SSE cannot carry.
package channel

import "encoding/json"

// Client -> server envelope types.
const (
	TypeMessage               = "message"
	TypeApprovalResponse      = "approval_response"
	TypeProxyApprovalResponse = "proxy_approval_response"
)

// Server -> client envelope types.
const (
	TypeToolCall         = "tool_call"
	TypeApprovalRequest  = "approval_request"
	TypeProxyApprovalReq = "proxy_approval_request"
	TypeDone             = "done"
	TypeCommandResult    = "command_result"
	TypeError            = "error"
	TypeToken            = "token" // reserved for future streaming (§4.5)
)

// Envelope is the wire shape every frame takes: a discriminating type
// tag plus a payload whose fields depend on it. Inbound frames are
// decoded into Envelope first so the type tag can be read before the
// rest of the payload is unmarshalled into a concrete struct.
type Envelope struct {
	Type string `json:"type"`

	// Client -> server fields.
	Content    string `json:"content,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Approved   bool   `json:"approved,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Decision   string `json:"decision,omitempty"`

	// Server -> client fields.
	Tool           string          `json:"tool,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	Classification string          `json:"classification,omitempty"`
	TriggeredRules []string        `json:"triggered_rules,omitempty"`
	Descriptions   []string        `json:"descriptions,omitempty"`
	Domain         string          `json:"domain,omitempty"`
	Command        string          `json:"command,omitempty"`
	CommandData    any             `json:"data,omitempty"`
}

// ToolCallNotice builds an informational tool_call envelope.
func ToolCallNotice(tool string, args json.RawMessage, detail string) Envelope {
	return Envelope{Type: TypeToolCall, Tool: tool, Args: args, Detail: detail}
}

// ApprovalRequest builds an approval_request envelope for one tool call.
func ApprovalRequest(toolCallID, tool string, args json.RawMessage, classification string, triggeredRules, descriptions []string) Envelope {
	return Envelope{
		Type:           TypeApprovalRequest,
		ToolCallID:     toolCallID,
		Tool:           tool,
		Args:           args,
		Classification: classification,
		TriggeredRules: triggeredRules,
		Descriptions:   descriptions,
	}
}

// ProxyApprovalRequest builds a proxy_approval_request envelope.
func ProxyApprovalRequest(requestID, domain, command string) Envelope {
	return Envelope{Type: TypeProxyApprovalReq, RequestID: requestID, Domain: domain, Command: command}
}

// Done builds the terminal done envelope for one turn.
func Done(content string) Envelope {
	return Envelope{Type: TypeDone, Content: content}
}

// CommandResult builds the terminal command_result envelope for a
// slash command.
func CommandResult(command string, data any) Envelope {
	return Envelope{Type: TypeCommandResult, Command: command, CommandData: data}
}

// Error builds an error envelope. Sending one never ends the session
// (§4.5 "the session continues").
func Error(detail string) Envelope {
	return Envelope{Type: TypeError, Detail: detail}
}

// ValidClientType reports whether t is one of the three client->server
// envelope types. Anything else gets an error envelope in reply
// without ending the session (§4.5).
func ValidClientType(t string) bool {
	switch t {
	case TypeMessage, TypeApprovalResponse, TypeProxyApprovalResponse:
		return true
	default:
		return false
	}
}
