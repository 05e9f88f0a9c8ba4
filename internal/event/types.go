package event

import "github.com/carapace-run/carapace/pkg/types"

// SessionCreatedData is the payload shape for SessionCreated. No
// component in this module publishes SessionCreated.
type SessionCreatedData struct {
	Info *types.SessionInfo `json:"info"`
}

// SessionDeletedData is the payload shape for SessionDeleted. No
// component in this module publishes SessionDeleted.
type SessionDeletedData struct {
	SessionID string `json:"sessionID"`
}

// RuleActivatedData is published the first time a rule's trigger
// becomes true within a session (§4.1 step 2).
type RuleActivatedData struct {
	SessionID string `json:"sessionID"`
	RuleID    string `json:"ruleID"`
}

// ApprovalRequestedData mirrors the approval_request envelope (§4.5).
// The orchestrator publishes ApprovalRequested with a map[string]string
// payload (tool_call_id, tool), not this struct.
type ApprovalRequestedData struct {
	SessionID       string   `json:"sessionID"`
	ToolCallID      string   `json:"toolCallID"`
	Tool            string   `json:"tool"`
	TriggeredRules  []string `json:"triggeredRules"`
	Classification  string   `json:"classification"`
}

// ApprovalResolvedData describes a deferred tool call's received
// approval_response. The orchestrator publishes ApprovalResolved with a
// map[string]any payload (tool_call_id, tool, approved), not this
// struct.
type ApprovalResolvedData struct {
	SessionID  string `json:"sessionID"`
	ToolCallID string `json:"toolCallID"`
	Approved   bool   `json:"approved"`
}

// ProxyApprovalRequiredData mirrors proxy_approval_request (§4.4/§4.5).
// sandbox.Domains publishes ProxyApprovalRequired with a
// map[string]string payload (request_id, session_id, domain), not this
// struct.
type ProxyApprovalRequiredData struct {
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	Domain    string `json:"domain"`
	Command   string `json:"command,omitempty"`
}

// ProxyApprovalResolvedData describes a DomainApprovalPending resolved
// by user decision or by timeout. sandbox.Domains publishes
// ProxyApprovalResolved with a map[string]any payload (request_id,
// session_id, domain, decision, authorized), not this struct.
type ProxyApprovalResolvedData struct {
	SessionID string               `json:"sessionID"`
	RequestID string               `json:"requestID"`
	Decision  types.ProxyDecision  `json:"decision"`
}

// ContainerCreatedData describes a session container the Sandbox
// Manager created or recreated. The Manager publishes ContainerCreated
// with a map[string]string payload (session_id, container_id), not
// this struct.
type ContainerCreatedData struct {
	SessionID   string `json:"sessionID"`
	ContainerID string `json:"containerID"`
}

// ContainerEvictedData describes a container removed by the idle sweep
// or by explicit session deletion. The Sandbox Manager publishes
// ContainerEvicted with a map[string]string payload (session_id,
// container_id), not this struct.
type ContainerEvictedData struct {
	SessionID   string `json:"sessionID"`
	ContainerID string `json:"containerID"`
}
