package provider

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-run/carapace/pkg/types"
)

type stubProvider struct {
	id     string
	models []types.Model
}

func (s *stubProvider) ID() string                                      { return s.id }
func (s *stubProvider) Name() string                                    { return s.id }
func (s *stubProvider) Models() []types.Model                           { return s.models }
func (s *stubProvider) ChatModel() model.ToolCallingChatModel            { return nil }
func (s *stubProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	return nil, nil
}

func TestParseModelString(t *testing.T) {
	providerID, modelID := ParseModelString("anthropic/claude-sonnet-4-20250514")
	assert.Equal(t, "anthropic", providerID)
	assert.Equal(t, "claude-sonnet-4-20250514", modelID)

	providerID, modelID = ParseModelString("gpt-4o")
	assert.Equal(t, "", providerID)
	assert.Equal(t, "gpt-4o", modelID)
}

func TestRegistryRegisterGetList(t *testing.T) {
	r := NewRegistry(&types.Config{})
	p := &stubProvider{id: "anthropic", models: []types.Model{{ID: "claude-3-5-haiku-20241022", ProviderID: "anthropic"}}}
	r.Register(p)

	got, err := r.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = r.Get("missing")
	assert.Error(t, err)

	assert.Len(t, r.List(), 1)
}

func TestRegistryGetModel(t *testing.T) {
	r := NewRegistry(&types.Config{})
	r.Register(&stubProvider{id: "openai", models: []types.Model{{ID: "gpt-4o", ProviderID: "openai"}}})

	m, err := r.GetModel("openai", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", m.ID)

	_, err = r.GetModel("openai", "gpt-9000")
	assert.Error(t, err)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(&types.Config{})
	r.Register(&stubProvider{id: "anthropic", models: []types.Model{{ID: "claude-3-5-haiku-20241022", ProviderID: "anthropic"}}})

	p, m, err := r.Resolve("anthropic/claude-3-5-haiku-20241022")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.ID())
	assert.Equal(t, "claude-3-5-haiku-20241022", m.ID)

	_, _, err = r.Resolve("anthropic/does-not-exist")
	assert.Error(t, err)
}

func TestInitializeProvidersSkipsDisabled(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	cfg := &types.Config{
		Provider: map[string]types.ProviderConfig{
			"anthropic": {Disable: true, Options: &types.ProviderOptions{APIKey: "sk-test"}},
		},
	}
	registry, err := InitializeProviders(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, registry.List())
}
