// Package openaicompat provides a shared streaming base for all
// OpenAI-compatible chat providers.
//
// OpenAI, DeepSeek, Mistral and hosted Llama endpoints share the Chat
// Completions SSE format. Each vendor package embeds openaicompat.Provider
// and only overrides what differs:
//
//   - Provider name and default model
//   - Base URL and endpoint path
//   - Custom headers (if any)
//   - Request hooks for provider-specific fields
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName:  "deepseek",
//	    APIKey:        cfg.APIKey,
//	    BaseURL:       "https://api.deepseek.com",
//	    FallbackModel: "deepseek-chat",
//	    EndpointPath:  "/chat/completions",
//	}, logger)
package openaicompat
