package speech

import (
	"context"
	"io"
	"time"
)

// ============================================================
// 文字转语音 (TTS)
// ============================================================

// TTSRequest 文本转语音请求.
type TTSRequest struct {
	Text           string  `json:"text"`
	Model          string  `json:"model,omitempty"`
	Voice          string  `json:"voice,omitempty"`
	Speed          float64 `json:"speed,omitempty"`           // 0.25-4.0
	ResponseFormat string  `json:"response_format,omitempty"` // mp3, opus, aac, flac, wav, pcm
	Language       string  `json:"language,omitempty"`
}

// TTSResponse 缓冲后的完整音频.
type TTSResponse struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	AudioData []byte    `json:"-"`
	Format    string    `json:"format"`
	CharCount int       `json:"char_count,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TTSProvider 定义了 TTS 提供者接口.
type TTSProvider interface {
	Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error)
	Name() string
}

// ============================================================
// 语音转文本 (STT)
// ============================================================

// STTRequest 语音转文本请求.
type STTRequest struct {
	Audio    io.Reader `json:"-"`
	Filename string    `json:"filename,omitempty"`
	AudioURL string    `json:"audio_url,omitempty"`
	Model    string    `json:"model,omitempty"`
	Language string    `json:"language,omitempty"` // ISO-639-1 code
	Prompt   string    `json:"prompt,omitempty"`   // Context hint
}

// STTResponse 转写结果.
type STTResponse struct {
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Text       string        `json:"text"`
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// STTProvider 定义了 STT 提供者接口.
type STTProvider interface {
	Transcribe(ctx context.Context, req *STTRequest) (*STTResponse, error)
	Name() string
}

// 单次音频响应的读取上限
const maxAudioBytes = 64 << 20
