package command

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/carapace-run/carapace/internal/memory"
	"github.com/carapace-run/carapace/internal/sandbox"
	"github.com/carapace-run/carapace/internal/storage"
	"github.com/carapace-run/carapace/pkg/types"
)

// CommandInfo describes one command for the /help listing.
type CommandInfo struct {
	Name        string `json:"name"`
	Usage       string `json:"usage"`
	Description string `json:"description"`
}

// Commands enumerates every slash command §6 names, in the order
// /help should list them.
var Commands = []CommandInfo{
	{"help", "/help", "List available commands"},
	{"rules", "/rules", "List configured rules and their session activation state"},
	{"disable", "/disable <id>", "Disable a rule for this session"},
	{"enable", "/enable <id>", "Re-enable a previously disabled rule"},
	{"session", "/session", "Show session state"},
	{"skills", "/skills", "List the skill catalog"},
	{"memory", "/memory", "List files in the memory store"},
	{"usage", "/usage", "Show token/request usage for this session"},
	{"verbose", "/verbose", "Toggle verbose output for this session"},
	{"quit", "/quit or /exit", "End the session"},
}

// Executor resolves one slash command synchronously against session
// state, the configured rule set, and the sandbox's skill catalog.
type Executor struct {
	store   *storage.Store
	rules   []types.Rule
	dataDir string

	mu      sync.Mutex
	verbose map[string]bool
}

// New constructs an Executor. dataDir is the process data directory
// (§6 "Environment" CARAPACE_DATA_DIR), used to locate the shared
// skills/ and memory/ trees.
func New(store *storage.Store, rules []types.Rule, dataDir string) *Executor {
	return &Executor{
		store:   store,
		rules:   rules,
		dataDir: dataDir,
		verbose: make(map[string]bool),
	}
}

// Execute resolves one slash-command line for sessionID, returning the
// command name and a JSON-serializable data payload (§4.2 step 2).
func (e *Executor) Execute(ctx context.Context, sessionID, raw string) (string, any, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("command: empty command")
	}
	name := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch name {
	case "help":
		return "help", map[string]any{"commands": Commands}, nil
	case "rules":
		return e.rulesData(sessionID)
	case "disable":
		return e.setRule(sessionID, args, true)
	case "enable":
		return e.setRule(sessionID, args, false)
	case "session":
		data, err := e.sessionData(sessionID)
		return "session", data, err
	case "skills":
		return "skills", e.skillsData(), nil
	case "memory":
		return "memory", e.memoryData(), nil
	case "usage":
		data, err := e.usageData(sessionID)
		return "usage", data, err
	case "verbose":
		return "verbose", e.toggleVerbose(sessionID), nil
	case "quit", "exit":
		return "quit", map[string]any{"sessionID": sessionID}, nil
	default:
		return "", nil, fmt.Errorf("command: unknown command %q", name)
	}
}

// ruleView is one rule's /rules listing entry, including its
// per-session activation state.
type ruleView struct {
	types.Rule
	Active   bool `json:"active"`
	Disabled bool `json:"disabled"`
}

func (e *Executor) rulesData(sessionID string) (string, any, error) {
	state, err := e.store.LoadState(sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("command: load state: %w", err)
	}
	views := make([]ruleView, len(e.rules))
	for i, r := range e.rules {
		views[i] = ruleView{
			Rule:     r,
			Active:   r.IsAlwaysTrigger() || state.HasActivated(r.ID),
			Disabled: state.IsDisabled(r.ID),
		}
	}
	return "rules", map[string]any{"rules": views}, nil
}

// setRule implements /disable and /enable, both of which take exactly
// one rule id argument and mutate SessionState, scoped to this session
// only (§9 "Stateful activation").
func (e *Executor) setRule(sessionID string, args []string, disable bool) (string, any, error) {
	verb := "enable"
	if disable {
		verb = "disable"
	}
	if len(args) != 1 {
		return "", nil, fmt.Errorf("command: /%s requires exactly one rule id", verb)
	}
	ruleID := args[0]
	if !e.ruleExists(ruleID) {
		return "", nil, fmt.Errorf("command: unknown rule id %q", ruleID)
	}

	state, err := e.store.LoadState(sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("command: load state: %w", err)
	}
	if disable {
		state.Disable(ruleID)
	} else {
		state.Enable(ruleID)
	}
	if err := e.store.SaveState(sessionID, state); err != nil {
		return "", nil, fmt.Errorf("command: save state: %w", err)
	}
	return verb, map[string]any{"id": ruleID, "disabled": state.IsDisabled(ruleID)}, nil
}

func (e *Executor) ruleExists(id string) bool {
	for _, r := range e.rules {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (e *Executor) sessionData(sessionID string) (any, error) {
	state, err := e.store.LoadState(sessionID)
	if err != nil {
		return nil, fmt.Errorf("command: load state: %w", err)
	}
	return state, nil
}

func (e *Executor) skillsData() any {
	registry := sandbox.NewSkillRegistry(filepath.Join(e.dataDir, "skills"))
	return map[string]any{"skills": registry.Scan()}
}

func (e *Executor) memoryData() any {
	store, err := memory.New(filepath.Join(e.dataDir, "memory"))
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	files, err := store.ListFiles()
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"files": files}
}

func (e *Executor) usageData(sessionID string) (any, error) {
	usage, err := e.store.LoadUsage(sessionID)
	if err != nil {
		return nil, fmt.Errorf("command: load usage: %w", err)
	}
	return usage, nil
}

// toggleVerbose flips sessionID's verbose display flag. Unlike rule
// activation, this is a display-only preference, so it is kept
// in-memory rather than persisted through SessionState (§7 "Persisted
// state layout" lists no field for it).
func (e *Executor) toggleVerbose(sessionID string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verbose[sessionID] = !e.verbose[sessionID]
	return map[string]any{"verbose": e.verbose[sessionID]}
}
