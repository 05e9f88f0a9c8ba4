package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/carapace-run/carapace/pkg/types"
)

// Load reads config.yaml from the data directory. A missing file is
// not an error — EnsureDataDir is expected to have seeded a default
// one already; Load tolerates its absence anyway so tests can run
// against a bare directory (mirrors src/carapace/config.py's
// load_config "file missing → zero-value Config" behavior).
func Load(paths *Paths) (*types.Config, error) {
	cfg := &types.Config{Provider: make(map[string]types.ProviderConfig)}

	data, err := os.ReadFile(paths.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Provider == nil {
		cfg.Provider = make(map[string]types.ProviderConfig)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadRules reads rules.yaml from the data directory, returning the
// rule set in configuration order — the Rule Engine (§4.1) evaluates
// rules in exactly this order.
func LoadRules(paths *Paths) ([]types.RuleConfig, error) {
	data, err := os.ReadFile(paths.RulesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc struct {
		Rules []types.RuleConfig `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// LoadWorkspaceFile reads a top-level data-directory file (e.g.
// "SOUL.md", "USER.md") used as system-prompt context, returning
// empty string when it does not exist rather than erroring.
func LoadWorkspaceFile(paths *Paths, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(paths.DataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// applyEnvOverrides fills in provider API keys from the environment
// when the config file left them blank, following go-opencode's
// applyEnvOverrides merge-only-if-empty rule.
func applyEnvOverrides(cfg *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for provider, envVar := range providerEnvMap {
		apiKey := os.Getenv(envVar)
		if apiKey == "" {
			continue
		}
		pc := cfg.Provider[provider]
		if pc.Options == nil {
			pc.Options = &types.ProviderOptions{}
		}
		if pc.Options.APIKey == "" {
			pc.Options.APIKey = apiKey
			cfg.Provider[provider] = pc
		}
	}
	if model := os.Getenv("CARAPACE_MODEL"); model != "" {
		cfg.Model = model
	}
}

// Save writes the configuration back to config.yaml. The /enable and
// /disable slash commands do not call it; they change session state
// only.
func Save(paths *Paths, cfg *types.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(paths.ConfigPath(), data, 0644)
}
