package main

import (
	"github.com/BaSui01/arena/arena/attachment"
	"github.com/BaSui01/arena/config"
	"github.com/BaSui01/arena/llm"
	"github.com/BaSui01/arena/llm/providers"
	"github.com/BaSui01/arena/llm/providers/anthropic"
	"github.com/BaSui01/arena/llm/providers/deepseek"
	"github.com/BaSui01/arena/llm/providers/gemini"
	"github.com/BaSui01/arena/llm/providers/llama"
	"github.com/BaSui01/arena/llm/providers/mistral"
	"github.com/BaSui01/arena/llm/providers/openai"
	"github.com/BaSui01/arena/llm/speech"
	"go.uber.org/zap"
)

// baseConfig 厂商公共字段
func baseConfig(v config.VendorConfig) providers.BaseProviderConfig {
	return providers.BaseProviderConfig{
		APIKey:  v.APIKey,
		BaseURL: v.BaseURL,
		Model:   v.Model,
		Timeout: v.Timeout,
	}
}

// registerChatProviders 注册配置了凭据的对话厂商
func registerChatProviders(registry *llm.Registry, cfg config.ProvidersConfig, logger *zap.Logger) {
	register := func(name string, v config.VendorConfig, p llm.ChatProvider) {
		registry.RegisterChat(p, v.Prefixes...)
		logger.Info("chat provider registered", zap.String("provider", name), zap.Strings("prefixes", v.Prefixes))
	}

	if v := cfg.OpenAI; v.Enabled() {
		register("openai", v, openai.NewOpenAIProvider(providers.OpenAIConfig{BaseProviderConfig: baseConfig(v)}, logger))
	}
	if v := cfg.Anthropic; v.Enabled() {
		register("anthropic", v, anthropic.NewClaudeProvider(providers.ClaudeConfig{BaseProviderConfig: baseConfig(v)}, logger))
	}
	if v := cfg.Gemini; v.Enabled() {
		register("gemini", v, gemini.NewGeminiProvider(providers.GeminiConfig{BaseProviderConfig: baseConfig(v)}, logger))
	}
	if v := cfg.DeepSeek; v.Enabled() {
		register("deepseek", v, deepseek.NewDeepSeekProvider(providers.DeepSeekConfig{BaseProviderConfig: baseConfig(v)}, logger))
	}
	if v := cfg.Mistral; v.Enabled() {
		register("mistral", v, mistral.NewMistralProvider(providers.MistralConfig{BaseProviderConfig: baseConfig(v)}, logger))
	}
	if v := cfg.Llama; v.Enabled() {
		register("llama", v, llama.NewLlamaProvider(providers.LlamaConfig{BaseProviderConfig: baseConfig(v), Provider: v.Host}, logger))
	}
}

// registerSpeechProviders 注册语音厂商。音频的读取与写回都经过对象存储，
// objects 为 nil 时 ASR 只能处理内联音频，TTS 不注册。
func registerSpeechProviders(registry *llm.Registry, cfg config.ProvidersConfig, objects *attachment.S3Storage, logger *zap.Logger) {
	var reader speech.ObjectReader
	if objects != nil {
		reader = objects
	}

	if v := cfg.OpenAISTT; v.Enabled() {
		registry.RegisterASR(speech.NewASRAdapter(speech.NewOpenAISTTProvider(speechConfig(v)), reader), v.Prefixes...)
		logger.Info("asr provider registered", zap.String("provider", "openai_stt"))
	}
	if v := cfg.Deepgram; v.Enabled() {
		registry.RegisterASR(speech.NewASRAdapter(speech.NewDeepgramProvider(speechConfig(v)), reader), v.Prefixes...)
		logger.Info("asr provider registered", zap.String("provider", "deepgram"))
	}

	if objects == nil {
		if cfg.OpenAITTS.Enabled() || cfg.ElevenLabs.Enabled() {
			logger.Warn("tts providers configured without object storage, skipped")
		}
		return
	}
	if v := cfg.OpenAITTS; v.Enabled() {
		registry.RegisterTTS(speech.NewTTSAdapter(speech.NewOpenAITTSProvider(speechConfig(v)), objects), v.Prefixes...)
		logger.Info("tts provider registered", zap.String("provider", "openai_tts"))
	}
	if v := cfg.ElevenLabs; v.Enabled() {
		registry.RegisterTTS(speech.NewTTSAdapter(speech.NewElevenLabsProvider(speechConfig(v)), objects), v.Prefixes...)
		logger.Info("tts provider registered", zap.String("provider", "elevenlabs"))
	}
}

// speechConfig 语音厂商连接参数，空字段由各厂商缺省值补齐
func speechConfig(v config.VendorConfig) speech.Config {
	return speech.Config{
		APIKey:  v.APIKey,
		BaseURL: v.BaseURL,
		Model:   v.Model,
		Voice:   v.Voice,
		Timeout: v.Timeout,
	}
}
