package toolhost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carapace-run/carapace/internal/credential"
	"github.com/carapace-run/carapace/internal/memory"
	"github.com/carapace-run/carapace/internal/sandbox"
)

// shQuote wraps s in single quotes, escaping any embedded single quote
// the POSIX-shell way ('\'' closes, escapes, reopens), so arguments
// built from agent-controlled strings cannot break out of the sh -c
// command Carapace execs inside the sandbox.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BashTool executes a shell command inside the session's sandbox
// container (§4.3 "Exec-command"), in place of go-opencode's BashTool
// running directly on the host.
type BashTool struct {
	manager *sandbox.Manager
}

func NewBashTool(m *sandbox.Manager) *BashTool { return &BashTool{manager: m} }

func (t *BashTool) ID() string { return "bash" }
func (t *BashTool) Description() string {
	return "Executes a shell command inside the session's sandboxed container. All network access from the command is forced through the authorizing egress proxy."
}
func (t *BashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to run"},
			"description": {"type": "string", "description": "Brief description of what this command does"}
		},
		"required": ["command", "description"]
	}`)
}

type bashInput struct {
	Command string `json:"command"`
}

func (t *BashTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in bashInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	return t.manager.ExecCommand(ctx, rc.SessionID, in.Command)
}

// ReadTool reads a file from the session's sandbox workspace.
type ReadTool struct {
	manager *sandbox.Manager
}

func NewReadTool(m *sandbox.Manager) *ReadTool { return &ReadTool{manager: m} }

func (t *ReadTool) ID() string          { return "read" }
func (t *ReadTool) Description() string { return "Reads a file from the sandbox workspace, with line numbers." }
func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path inside /workspace to read"},
			"offset": {"type": "integer", "description": "1-indexed line to start from"},
			"limit": {"type": "integer", "description": "Maximum number of lines"}
		},
		"required": ["path"]
	}`)
}

type readInput struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

func (t *ReadTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in readInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	offset := in.Offset
	if offset <= 0 {
		offset = 1
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 2000
	}
	end := offset + limit - 1
	cmd := fmt.Sprintf(
		"awk 'NR>=%d && NR<=%d {printf \"%%05d| %%s\\n\", NR, $0}' %s",
		offset, end, shQuote(in.Path),
	)
	return t.manager.ExecCommand(ctx, rc.SessionID, cmd)
}

// WriteTool writes content to a file in the session's sandbox
// workspace, base64-encoding the payload to sidestep shell quoting
// entirely (the content is arbitrary agent-produced text).
type WriteTool struct {
	manager *sandbox.Manager
}

func NewWriteTool(m *sandbox.Manager) *WriteTool { return &WriteTool{manager: m} }

func (t *WriteTool) ID() string          { return "write" }
func (t *WriteTool) Description() string { return "Writes content to a file in the sandbox workspace, creating parent directories as needed." }
func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path inside /workspace to write"},
			"content": {"type": "string", "description": "File content"}
		},
		"required": ["path", "content"]
	}`)
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in writeInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(in.Content))
	cmd := fmt.Sprintf("mkdir -p $(dirname %s) && printf '%%s' %s | base64 -d > %s",
		shQuote(in.Path), shQuote(encoded), shQuote(in.Path))
	if _, err := t.manager.ExecCommand(ctx, rc.SessionID, cmd); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), in.Path), nil
}

// EditTool performs a literal string replacement inside a sandbox
// file: read the current content out, substitute in-process, write it
// back — avoiding any dependency on an in-container editor.
type EditTool struct {
	manager *sandbox.Manager
}

func NewEditTool(m *sandbox.Manager) *EditTool { return &EditTool{manager: m} }

func (t *EditTool) ID() string          { return "edit" }
func (t *EditTool) Description() string { return "Replaces the first occurrence of a string in a sandbox file with another." }
func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path inside /workspace to edit"},
			"oldString": {"type": "string", "description": "Exact text to replace"},
			"newString": {"type": "string", "description": "Replacement text"}
		},
		"required": ["path", "oldString", "newString"]
	}`)
}

type editInput struct {
	Path      string `json:"path"`
	OldString string `json:"oldString"`
	NewString string `json:"newString"`
}

func (t *EditTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in editInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	catCmd := fmt.Sprintf("cat %s", shQuote(in.Path))
	current, err := t.manager.ExecCommand(ctx, rc.SessionID, catCmd)
	if err != nil {
		return "", err
	}
	if !strings.Contains(current, in.OldString) {
		return "", fmt.Errorf("oldString not found in %s", in.Path)
	}
	updated := strings.Replace(current, in.OldString, in.NewString, 1)

	encoded := base64.StdEncoding.EncodeToString([]byte(updated))
	writeCmd := fmt.Sprintf("printf '%%s' %s | base64 -d > %s", shQuote(encoded), shQuote(in.Path))
	if _, err := t.manager.ExecCommand(ctx, rc.SessionID, writeCmd); err != nil {
		return "", err
	}
	return fmt.Sprintf("Edited %s", in.Path), nil
}

// GlobTool finds files by name pattern under the sandbox workspace.
type GlobTool struct {
	manager *sandbox.Manager
}

func NewGlobTool(m *sandbox.Manager) *GlobTool { return &GlobTool{manager: m} }

func (t *GlobTool) ID() string          { return "glob" }
func (t *GlobTool) Description() string { return "Finds files under the sandbox workspace matching a name pattern." }
func (t *GlobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Shell glob, e.g. *.py"},
			"path": {"type": "string", "description": "Directory to search, default /workspace"}
		},
		"required": ["pattern"]
	}`)
}

type globInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

func (t *GlobTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in globInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	dir := in.Path
	if dir == "" {
		dir = "/workspace"
	}
	cmd := fmt.Sprintf("find %s -type f -name %s", shQuote(dir), shQuote(in.Pattern))
	return t.manager.ExecCommand(ctx, rc.SessionID, cmd)
}

// GrepTool searches file contents under the sandbox workspace.
type GrepTool struct {
	manager *sandbox.Manager
}

func NewGrepTool(m *sandbox.Manager) *GrepTool { return &GrepTool{manager: m} }

func (t *GrepTool) ID() string          { return "grep" }
func (t *GrepTool) Description() string { return "Searches file contents under the sandbox workspace for a pattern." }
func (t *GrepTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Regular expression to search for"},
			"path": {"type": "string", "description": "Directory to search, default /workspace"}
		},
		"required": ["pattern"]
	}`)
}

type grepInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

func (t *GrepTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in grepInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	dir := in.Path
	if dir == "" {
		dir = "/workspace"
	}
	cmd := fmt.Sprintf("grep -rn -- %s %s", shQuote(in.Pattern), shQuote(dir))
	return t.manager.ExecCommand(ctx, rc.SessionID, cmd)
}

// ListTool lists a directory under the sandbox workspace.
type ListTool struct {
	manager *sandbox.Manager
}

func NewListTool(m *sandbox.Manager) *ListTool { return &ListTool{manager: m} }

func (t *ListTool) ID() string          { return "list" }
func (t *ListTool) Description() string { return "Lists the contents of a sandbox workspace directory." }
func (t *ListTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string", "description": "Directory to list, default /workspace"}}
	}`)
}

type listInput struct {
	Path string `json:"path"`
}

func (t *ListTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in listInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	dir := in.Path
	if dir == "" {
		dir = "/workspace"
	}
	cmd := fmt.Sprintf("ls -la %s", shQuote(dir))
	return t.manager.ExecCommand(ctx, rc.SessionID, cmd)
}

// MemoryReadTool reads a note from the shared memory store.
type MemoryReadTool struct {
	store *memory.Store
}

func NewMemoryReadTool(s *memory.Store) *MemoryReadTool { return &MemoryReadTool{store: s} }

func (t *MemoryReadTool) ID() string          { return "memory_read" }
func (t *MemoryReadTool) Description() string { return "Reads a note from persistent memory." }
func (t *MemoryReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"path": {"type": "string"}}, "required": ["path"]}`)
}

func (t *MemoryReadTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	content, err := t.store.Read(in.Path)
	if err != nil {
		return "", err
	}
	return content, nil
}

// MemoryWriteTool writes a note to the shared memory store.
type MemoryWriteTool struct {
	store *memory.Store
}

func NewMemoryWriteTool(s *memory.Store) *MemoryWriteTool { return &MemoryWriteTool{store: s} }

func (t *MemoryWriteTool) ID() string          { return "memory_write" }
func (t *MemoryWriteTool) Description() string { return "Writes a note to persistent memory." }
func (t *MemoryWriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}, "content": {"type": "string"}},
		"required": ["path", "content"]
	}`)
}

func (t *MemoryWriteTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	return t.store.Write(in.Path, in.Content)
}

// CredentialAccessTool hands the agent a (mock) credential value, only
// once the session has approved that credential name.
type CredentialAccessTool struct {
	broker *credential.Broker
}

func NewCredentialAccessTool(b *credential.Broker) *CredentialAccessTool {
	return &CredentialAccessTool{broker: b}
}

func (t *CredentialAccessTool) ID() string { return "credential_access" }
func (t *CredentialAccessTool) Description() string {
	return "Retrieves a named credential value, if the session has approved access to it."
}
func (t *CredentialAccessTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"name": {"type": "string"}}, "required": ["name"]}`)
}

func (t *CredentialAccessTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if !credential.IsApproved(in.Name, rc.State.ApprovedCreds) {
		return fmt.Sprintf("Credential %q has not been approved for this session.", in.Name), nil
	}
	return t.broker.Get(in.Name), nil
}

// SkillModifyTool activates or saves a skill for the session,
// dispatched by its "action" argument (§4.3 "Skill activation").
type SkillModifyTool struct {
	manager *sandbox.Manager
}

func NewSkillModifyTool(m *sandbox.Manager) *SkillModifyTool { return &SkillModifyTool{manager: m} }

func (t *SkillModifyTool) ID() string { return "skill_modify" }
func (t *SkillModifyTool) Description() string {
	return "Activates a skill into the sandbox workspace, or saves a session's edited skill back to the shared library."
}
func (t *SkillModifyTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "description": "activate or save"},
			"skill": {"type": "string", "description": "Skill name"}
		},
		"required": ["action", "skill"]
	}`)
}

func (t *SkillModifyTool) Execute(ctx context.Context, rc *RunContext, args json.RawMessage) (string, error) {
	var in struct {
		Action string `json:"action"`
		Skill  string `json:"skill"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	switch in.Action {
	case "activate":
		out, err := t.manager.ActivateSkill(ctx, rc.SessionID, in.Skill)
		if err != nil {
			return "", err
		}
		return out, nil
	case "save":
		return t.manager.SaveSkill(rc.SessionID, in.Skill)
	default:
		return "", fmt.Errorf("unknown skill action %q", in.Action)
	}
}
