package speech

import (
	"net/http"
	"time"

	"github.com/BaSui01/arena/internal/tlsutil"
)

// Config 语音厂商连接参数，四家厂商共用。
// Voice 只对 TTS 生效，ElevenLabs 下填 voice id。
type Config struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Voice   string        `json:"voice,omitempty" yaml:"voice,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// 各厂商缺省值，空字段按此补齐
var (
	openAISTTDefaults = Config{BaseURL: "https://api.openai.com", Model: "whisper-1", Timeout: 2 * time.Minute}
	deepgramDefaults  = Config{BaseURL: "https://api.deepgram.com", Model: "nova-2", Timeout: 2 * time.Minute}
	openAITTSDefaults = Config{BaseURL: "https://api.openai.com", Model: "tts-1", Voice: "alloy", Timeout: time.Minute}
	elevenDefaults    = Config{
		BaseURL: "https://api.elevenlabs.io",
		Model:   "eleven_multilingual_v2",
		Voice:   "21m00Tcm4TlvDq8ikWAM",
		Timeout: time.Minute,
	}
)

func (c Config) orDefaults(d Config) Config {
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Voice == "" {
		c.Voice = d.Voice
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// client 按配置超时创建带 TLS 加固的 HTTP 客户端
func (c Config) client() *http.Client {
	return tlsutil.SecureHTTPClient(c.Timeout)
}
