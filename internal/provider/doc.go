// Package provider provides the LLM transport abstraction Carapace's
// Classifier, Rule Engine, and Session Orchestrator call through.
//
// It wraps two backends on top of the Eino framework (eino-ext's
// claude and openai chat-model components):
//
//   - Anthropic (Claude), via NewAnthropicProvider
//   - OpenAI (and OpenAI-compatible endpoints), via NewOpenAIProvider
//
// # Core types
//
//   - Provider: the common interface both backends implement
//   - Registry: holds every configured Provider, resolved by
//     "provider/model" strings (ParseModelString, Resolve)
//   - CompletionRequest / CompletionStream: one LLM call and its
//     streamed response
//   - CompleteText: drains a non-streamed completion into a string,
//     used by the Classifier and Rule Engine's single-shot evaluators
//
// # Registry usage
//
//	registry, err := InitializeProviders(ctx, cfg)
//	prov, model, err := registry.Resolve("anthropic/claude-sonnet-4-20250514")
//	stream, err := prov.CreateCompletion(ctx, &CompletionRequest{
//		Model:    model.ID,
//		Messages: ConvertToEinoMessages(history),
//		Tools:    o.tools.ToolInfos(),
//	})
//	for {
//		msg, err := stream.Recv()
//		if err != nil {
//			break
//		}
//		// accumulate msg
//	}
//	stream.Close()
//
// InitializeProviders configures anthropic/openai from cfg.Provider,
// falling back to ANTHROPIC_API_KEY/OPENAI_API_KEY when a provider is
// left unconfigured.
//
// # Message and tool conversion
//
// ConvertToEinoMessages/ConvertFromEinoMessage translate between
// Carapace's HistoryMessage wire type and eino's schema.Message;
// ConvertToEinoTools translates tool definitions (JSON Schema
// parameters) into eino's schema.ToolInfo for CompletionRequest.Tools.
package provider
