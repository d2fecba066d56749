// Package llama 通过 Together AI、Fireworks、OpenRouter 等 OpenAI 兼容托管服务接入 Meta Llama 模型。
package llama
