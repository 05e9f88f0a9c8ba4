// Package command resolves the slash commands §6 names (help, rules,
// disable, enable, session, skills, memory, usage, verbose, quit/exit)
// synchronously against session state, the rule set, and the sandbox's
// skill catalog, returning the (name, data) pair the Orchestrator wraps
// in a terminal command_result envelope (§4.2 step 2, §4.5).
//
// Grounded on go-opencode's internal/command package for the overall
// shape of an Executor that resolves a leading-slash string to a
// result without going through the agent loop; the template/markdown
// command-file system that package built for user-defined prompts has
// no equivalent here, since Carapace's slash commands are a fixed,
// spec-named set operating on session/rule/skill state rather than
// arbitrary user templates.
package command
