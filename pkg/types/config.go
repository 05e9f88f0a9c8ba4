package types

// Config is the top-level Carapace configuration, loaded by
// internal/config from the data directory's config.yaml with
// environment overrides applied on top.
type Config struct {
	// Model is "provider/model", e.g. "anthropic/claude-sonnet-4-20250514".
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// SmallModel names a cheaper model for classification/rule
	// evaluation, where full agent quality is unnecessary.
	SmallModel string `json:"smallModel,omitempty" yaml:"smallModel,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`

	Rules []RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`

	AgentPermissions AgentPermissions `json:"agentPermissions,omitempty" yaml:"agentPermissions,omitempty"`

	Sandbox SandboxConfig `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Proxy   ProxyConfig   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// RuleConfig is the on-disk form of a Rule.
type RuleConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Trigger     string   `json:"trigger" yaml:"trigger"`
	Effect      string   `json:"effect" yaml:"effect"`
	Mode        RuleMode `json:"mode" yaml:"mode"`
	Description string   `json:"description" yaml:"description"`
}

// AgentPermissions mirrors go-opencode's permission.AgentPermissions
// shape for tool-level default actions, extended with Carapace's own
// operation types rather than go-opencode's edit/webfetch/bash set.
type AgentPermissions struct {
	Bash     string `json:"bash,omitempty" yaml:"bash,omitempty"` // allow | deny | ask
	Edit     string `json:"edit,omitempty" yaml:"edit,omitempty"`
	WebFetch string `json:"webfetch,omitempty" yaml:"webfetch,omitempty"`
}

// SandboxConfig configures the Sandbox Manager.
type SandboxConfig struct {
	IdleTimeoutMinutes int    `json:"idleTimeoutMinutes,omitempty" yaml:"idleTimeoutMinutes,omitempty"`
	SkillsDir          string `json:"skillsDir,omitempty" yaml:"skillsDir,omitempty"`
	NetworkName        string `json:"networkName,omitempty" yaml:"networkName,omitempty"`
	Image              string `json:"image,omitempty" yaml:"image,omitempty"`
}

// ProxyConfig is the proxy section of config.yaml. cmd/carapace-server
// takes the egress proxy's listen address from its -proxy-host and
// -proxy-port flags and does not read these fields.
type ProxyConfig struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
}
