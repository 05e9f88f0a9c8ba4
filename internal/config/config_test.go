package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(t *testing.T) *Paths {
	t.Helper()
	dir := t.TempDir()
	return &Paths{DataDir: dir}
}

func TestLoadMissingConfigReturnsZeroValue(t *testing.T) {
	paths := testPaths(t)

	cfg, err := Load(paths)
	require.NoError(t, err)
	assert.Empty(t, cfg.Model)
	assert.NotNil(t, cfg.Provider)
}

func TestLoadParsesYAML(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.WriteFile(paths.ConfigPath(), []byte(`
model: anthropic/claude-sonnet-4-20250514
sandbox:
  idleTimeoutMinutes: 15
`), 0644))

	cfg, err := Load(paths)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", cfg.Model)
	assert.Equal(t, 15, cfg.Sandbox.IdleTimeoutMinutes)
}

func TestLoadEnvOverridesBlankAPIKey(t *testing.T) {
	paths := testPaths(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")

	cfg, err := Load(paths)
	require.NoError(t, err)
	require.Contains(t, cfg.Provider, "anthropic")
	assert.Equal(t, "sk-test-key", cfg.Provider["anthropic"].Options.APIKey)
}

func TestLoadRulesInConfigurationOrder(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.WriteFile(paths.RulesPath(), []byte(`
rules:
  - id: first
    trigger: always
    effect: block writes
    mode: block
    description: first rule
  - id: second
    trigger: "the agent read external content"
    effect: approve writes
    mode: approve
    description: second rule
`), 0644))

	rules, err := LoadRules(paths)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].ID)
	assert.Equal(t, "second", rules[1].ID)
}

func TestLoadRulesMissingReturnsNil(t *testing.T) {
	paths := testPaths(t)

	rules, err := LoadRules(paths)
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestEnsureDataDirSeedsDefaults(t *testing.T) {
	paths := testPaths(t)

	created, err := EnsureDataDir(paths)
	require.NoError(t, err)
	assert.Contains(t, created, "config.yaml")
	assert.Contains(t, created, "rules.yaml")
	assert.Contains(t, created, "memory/CORE.md")
	assert.Contains(t, created, filepath.Join("skills", "example", "SKILL.md"))

	assert.FileExists(t, paths.ConfigPath())
	assert.FileExists(t, paths.RulesPath())
}

func TestEnsureDataDirDoesNotOverwrite(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, paths.EnsurePaths())
	require.NoError(t, os.WriteFile(paths.ConfigPath(), []byte("model: custom/model\n"), 0644))

	_, err := EnsureDataDir(paths)
	require.NoError(t, err)

	cfg, err := Load(paths)
	require.NoError(t, err)
	assert.Equal(t, "custom/model", cfg.Model)
}
