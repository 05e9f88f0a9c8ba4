// Package config loads Carapace's configuration, rule set, and
// workspace files from a single data directory, and resolves that
// directory's on-disk layout.
//
// # Configuration Loading
//
// Load reads config.yaml from the data directory (§6 "Persisted state
// layout"); environment variables then fill in provider API keys the
// file left blank, and CARAPACE_MODEL, when set, replaces the model
// selection. Unlike
// go-opencode's multi-source global/project/env merge, Carapace has
// exactly one config source plus env overrides — there is no project
// discovery, since a Carapace process serves one data directory for
// its whole lifetime.
//
// # Rules
//
// LoadRules reads rules.yaml, returning the Rule Engine's
// configuration-order rule list (§3, §4.1). Rules are not merged from
// multiple sources; the single rules.yaml is authoritative.
//
// # Bootstrap
//
// EnsureDataDir seeds a fresh data directory with default workspace
// files (SOUL.md, USER.md, config.yaml, rules.yaml, memory/CORE.md)
// and an example skill pair, embedded into the binary. It never
// overwrites a file that already exists.
//
// # Paths
//
// GetPaths resolves CARAPACE_DATA_DIR (default "./data") into the
// concrete file and directory paths the rest of the process reads and
// writes — config.yaml, rules.yaml, server.token, memory/, skills/,
// and the sessions/ directory whose 12-hex-char-named children each
// hold one session's state.yaml, history.json, events.json, and
// usage.json.
package config
