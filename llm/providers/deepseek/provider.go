package deepseek

import (
	"github.com/BaSui01/arena/llm"
	"github.com/BaSui01/arena/llm/providers"
	"github.com/BaSui01/arena/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// DeepSeekProvider 实现 DeepSeek LLM 提供者.
// DeepSeek 使用 OpenAI 兼容的 API 格式.
type DeepSeekProvider struct {
	*openaicompat.Provider
}

// NewDeepSeekProvider 创建新的 DeepSeek 提供者实例.
func NewDeepSeekProvider(cfg providers.DeepSeekConfig, logger *zap.Logger) *DeepSeekProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}

	return &DeepSeekProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "deepseek",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "deepseek-chat",
			Timeout:       cfg.Timeout,
			EndpointPath:  "/chat/completions",
			RequestHook:   deepseekRequestHook,
		}, logger),
	}
}

// deepseek 不接受图片内容片段，降级为纯文本
func deepseekRequestHook(_ *llm.ChatRequest, body *providers.OpenAICompatRequest) {
	for i, m := range body.Messages {
		parts, ok := m.Content.([]providers.OpenAICompatContentPart)
		if !ok {
			continue
		}
		for _, part := range parts {
			if part.Type == "text" {
				body.Messages[i].Content = part.Text
				break
			}
		}
	}
}
