// =============================================================================
// 📦 Arena 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/arena/arena/stream"
	"github.com/BaSui01/arena/llm/circuitbreaker"
	"github.com/BaSui01/arena/llm/retry"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Database:    DefaultDatabaseConfig(),
		Redis:       DefaultRedisConfig(),
		Storage:     DefaultStorageConfig(),
		Providers:   DefaultProvidersConfig(),
		Stream:      stream.DefaultConfig(),
		Attachments: DefaultAttachmentConfig(),
		Resilience:  DefaultResilienceConfig(),
		ErrorLog:    DefaultErrorLogConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 30 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		MaxBodyBytes:    1 << 20,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置（未启用）
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		PoolSize:     10,
		MinIdleConns: 2,
		DefaultTTL:   24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "arena",
		Password:        "",
		Name:            "arena",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultStorageConfig 返回默认对象存储配置（未启用）
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Region:         "us-east-1",
		PresignTTL:     time.Hour,
		MaxObjectBytes: 25 << 20,
	}
}

// DefaultProvidersConfig 返回各厂商默认前缀与超时，凭据需由用户提供
func DefaultProvidersConfig() ProvidersConfig {
	vendor := func(timeout time.Duration, prefixes ...string) VendorConfig {
		return VendorConfig{Prefixes: prefixes, Timeout: timeout}
	}
	p := ProvidersConfig{
		OpenAI:    vendor(2*time.Minute, "gpt-", "o1", "o3", "o4", "chatgpt-"),
		Anthropic: vendor(2*time.Minute, "claude-"),
		Gemini:    vendor(2*time.Minute, "gemini-"),
		DeepSeek:  vendor(2*time.Minute, "deepseek-"),
		Mistral:   vendor(2*time.Minute, "mistral-", "open-mistral", "codestral", "pixtral"),
		Llama:     vendor(2*time.Minute, "llama-", "meta-llama/"),

		OpenAISTT:  vendor(2*time.Minute, "whisper-", "gpt-4o-transcribe", "gpt-4o-mini-transcribe"),
		Deepgram:   vendor(2*time.Minute, "nova-", "deepgram-"),
		OpenAITTS:  vendor(time.Minute, "tts-", "gpt-4o-mini-tts"),
		ElevenLabs: vendor(time.Minute, "eleven_", "elevenlabs-"),
	}
	p.Llama.Host = "together"
	return p
}

// DefaultAttachmentConfig 返回默认附件配置
func DefaultAttachmentConfig() AttachmentConfig {
	return AttachmentConfig{
		MaxDocumentRunes: 20000,
		TranscribeModel:  "whisper-1",
		CachePrefix:      "arena:attachment:",
		CacheTTL:         7 * 24 * time.Hour,
	}
}

// DefaultResilienceConfig 返回默认重试与熔断配置。
// 重试默认关闭：失败的调用由客户端 regenerate 重来，需要时再打开 max_retries。
func DefaultResilienceConfig() ResilienceConfig {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = 0
	return ResilienceConfig{
		Retry:   policy,
		Breaker: circuitbreaker.DefaultConfig(),
	}
}

// DefaultErrorLogConfig 返回默认错误日志配置
func DefaultErrorLogConfig() ErrorLogConfig {
	return ErrorLogConfig{
		Buffer:  256,
		Persist: true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "arena",
		SampleRate:   0.1,
	}
}
