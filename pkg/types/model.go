package types

// Model describes one LLM model a provider exposes. Adapted from
// go-opencode's pkg/types.Model, trimmed to the fields Carapace's
// provider registry actually consults.
type Model struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ProviderID      string  `json:"providerID"`
	ContextLength   int     `json:"contextLength"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	SupportsTools   bool    `json:"supportsTools"`
	InputPrice      float64 `json:"inputPrice,omitempty"`
	OutputPrice     float64 `json:"outputPrice,omitempty"`
}

// ModelRef names a (provider, model) pair. HistoryMessage does not
// carry one.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// ProviderConfig holds credentials and overrides for one configured
// LLM provider, loaded from Carapace's config file.
type ProviderConfig struct {
	Disable bool             `json:"disable,omitempty" yaml:"disable,omitempty"`
	Model   string           `json:"model,omitempty" yaml:"model,omitempty"`
	Options *ProviderOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// ProviderOptions holds the credential fields extracted from a
// provider's config block.
type ProviderOptions struct {
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
}
