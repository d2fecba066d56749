package stream

import "time"

// Config 分支驱动与合并器的运行参数
type Config struct {
	// SystemPrompt 每个对话请求附带的系统提示词
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT" json:"system_prompt"`

	// FlushEvery 每收到多少个片段落库一次；FlushInterval 距上次落库超过该时长也会落库
	FlushEvery    int           `yaml:"flush_every" env:"FLUSH_EVERY" json:"flush_every"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL" json:"flush_interval"`

	// PersistTimeout 单次存储写入的超时，与客户端连接解耦
	PersistTimeout time.Duration `yaml:"persist_timeout" env:"PERSIST_TIMEOUT" json:"persist_timeout"`

	// TurnTimeout 单个分支从开始到终态的最长时间
	TurnTimeout time.Duration `yaml:"turn_timeout" env:"TURN_TIMEOUT" json:"turn_timeout"`

	// DetachOnDisconnect 客户端断开后分支继续跑完并落库；关闭时断开即以 error 终止
	DetachOnDisconnect bool `yaml:"detach_on_disconnect" env:"DETACH_ON_DISCONNECT" json:"detach_on_disconnect"`

	// Buffer 合并通道容量
	Buffer int `yaml:"buffer" env:"BUFFER" json:"buffer"`

	MaxTokens   int     `yaml:"max_tokens" env:"MAX_TOKENS" json:"max_tokens"`
	Temperature float32 `yaml:"temperature" env:"TEMPERATURE" json:"temperature"`

	// TTSFormat 合成音频的扩展名，用于生成存储 key
	TTSFormat string `yaml:"tts_format" env:"TTS_FORMAT" json:"tts_format"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		SystemPrompt:       "You are a helpful assistant.",
		FlushEvery:         20,
		FlushInterval:      time.Second,
		PersistTimeout:     5 * time.Second,
		TurnTimeout:        5 * time.Minute,
		DetachOnDisconnect: true,
		Buffer:             64,
		TTSFormat:          "mp3",
	}
}

// withDefaults 补齐零值字段，布尔开关保持调用方的选择
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushEvery <= 0 {
		c.FlushEvery = d.FlushEvery
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = d.TurnTimeout
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	if c.TTSFormat == "" {
		c.TTSFormat = d.TTSFormat
	}
	return c
}
