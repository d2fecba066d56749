package llm

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发往模型的一条上下文消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Attachments 描述随本轮 user 消息附带的多模态引用。
// 文档与音频已由上游解析为文本并拼接到 Prompt 中，这里只剩图片需要按厂商格式内嵌。
type Attachments struct {
	ImageURL string `json:"image_url,omitempty"`
}

// ChatRequest 统一的流式对话请求
type ChatRequest struct {
	TraceID      string        `json:"trace_id,omitempty"`
	Model        string        `json:"model"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	History      []Message     `json:"history,omitempty"`
	Prompt       string        `json:"prompt"`
	Attachments  Attachments   `json:"attachments,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
	Temperature  float32       `json:"temperature,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// Messages flattens system prompt, history and the current prompt into one
// ordered list, the shape most chat APIs expect.
func (r *ChatRequest) Messages() []Message {
	out := make([]Message, 0, len(r.History)+2)
	if r.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.SystemPrompt})
	}
	out = append(out, r.History...)
	out = append(out, Message{Role: RoleUser, Content: r.Prompt})
	return out
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// StreamChunk 是流式输出的一个增量片段。Err 非空表示流异常终止，之后不会再有片段。
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Content      string     `json:"content,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Err          *Error     `json:"error,omitempty"`
}

// ChatProvider 定义流式对话模型的统一适配接口。
// 返回的通道是惰性、有限、不可重启的：通道关闭即代表完成，不需要额外的结束哨兵。
type ChatProvider interface {
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	Name() string
}

// =============================================================================
// 🎙️ 一次性语音接口
// =============================================================================

// TranscribeRequest ASR 请求
type TranscribeRequest struct {
	Model     string `json:"model"`
	AudioPath string `json:"audio_path"`
	Audio     []byte `json:"-"`
	Filename  string `json:"filename,omitempty"`
	Language  string `json:"language,omitempty"`
}

// ASRProvider 一次返回完整转写文本
type ASRProvider interface {
	Transcribe(ctx context.Context, req *TranscribeRequest) (string, error)
	Name() string
}

// SynthesizeRequest TTS 请求
type SynthesizeRequest struct {
	Model    string `json:"model"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
	// StorageKey 是期望的对象存储路径，由调用方生成
	StorageKey string `json:"storage_key,omitempty"`
}

// SynthesizeResult TTS 结果：音频内容及其存储路径
type SynthesizeResult struct {
	Audio       []byte `json:"-"`
	Format      string `json:"format"`
	StoragePath string `json:"storage_path"`
}

// TTSProvider 一次返回完整音频
type TTSProvider interface {
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResult, error)
	Name() string
}
