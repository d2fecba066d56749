package llama

import (
	"fmt"

	"github.com/BaSui01/arena/llm/providers"
	"github.com/BaSui01/arena/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// LlamaProvider 通过第三方 OpenAI 兼容 API 实现 Meta Llama 提供者.
// 支持 Together AI、Fireworks 和 OpenRouter.
type LlamaProvider struct {
	*openaicompat.Provider
	cfg providers.LlamaConfig
}

// NewLlamaProvider 创建新的 Llama 提供者实例.
func NewLlamaProvider(cfg providers.LlamaConfig, logger *zap.Logger) *LlamaProvider {
	// 如果未提供则设置默认提供者和 BaseURL
	if cfg.Provider == "" {
		cfg.Provider = "together"
	}

	if cfg.BaseURL == "" {
		switch cfg.Provider {
		case "fireworks":
			cfg.BaseURL = "https://api.fireworks.ai/inference"
		case "openrouter":
			cfg.BaseURL = "https://openrouter.ai/api"
		default:
			cfg.BaseURL = "https://api.together.xyz"
		}
	}

	return &LlamaProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  fmt.Sprintf("llama-%s", cfg.Provider),
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "meta-llama/Llama-3.3-70B-Instruct-Turbo",
			Timeout:       cfg.Timeout,
		}, logger),
		cfg: cfg,
	}
}

// Host returns the hosting service behind this provider.
func (p *LlamaProvider) Host() string { return p.cfg.Provider }
