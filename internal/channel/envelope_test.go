package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidClientType(t *testing.T) {
	assert.True(t, ValidClientType(TypeMessage))
	assert.True(t, ValidClientType(TypeApprovalResponse))
	assert.True(t, ValidClientType(TypeProxyApprovalResponse))
	assert.False(t, ValidClientType(TypeDone))
	assert.False(t, ValidClientType("bogus"))
}

func TestApprovalRequestEnvelopeRoundTrips(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"path": "notes.md"})
	env := ApprovalRequest("tc1", "write", args, "write_local", []string{"r1"}, []string{"needs approval"})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeApprovalRequest, decoded.Type)
	assert.Equal(t, "tc1", decoded.ToolCallID)
	assert.Equal(t, "write", decoded.Tool)
	assert.Equal(t, []string{"r1"}, decoded.TriggeredRules)
}

func TestProxyApprovalRequestEnvelope(t *testing.T) {
	env := ProxyApprovalRequest("req1", "api.example.com", "curl https://api.example.com")
	assert.Equal(t, TypeProxyApprovalReq, env.Type)
	assert.Equal(t, "req1", env.RequestID)
	assert.Equal(t, "api.example.com", env.Domain)
}

func TestDoneAndCommandResultAndError(t *testing.T) {
	assert.Equal(t, TypeDone, Done("all set").Type)
	assert.Equal(t, "all set", Done("all set").Content)

	cr := CommandResult("help", map[string]any{"commands": []string{"help", "rules"}})
	assert.Equal(t, TypeCommandResult, cr.Type)
	assert.Equal(t, "help", cr.Command)

	e := Error("bad envelope")
	assert.Equal(t, TypeError, e.Type)
	assert.Equal(t, "bad envelope", e.Detail)
}

func TestEnvelopeDecodesClientApprovalResponse(t *testing.T) {
	raw := []byte(`{"type":"approval_response","tool_call_id":"tc1","approved":true}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeApprovalResponse, env.Type)
	assert.Equal(t, "tc1", env.ToolCallID)
	assert.True(t, env.Approved)
}

func TestEnvelopeDecodesProxyApprovalResponse(t *testing.T) {
	raw := []byte(`{"type":"proxy_approval_response","request_id":"req1","decision":"allow_15min"}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeProxyApprovalResponse, env.Type)
	assert.Equal(t, "req1", env.RequestID)
	assert.Equal(t, "allow_15min", env.Decision)
}
