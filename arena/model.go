package arena

import (
	"fmt"
	"time"
)

// =============================================================================
// 🎯 会话
// =============================================================================

// SessionMode 会话模式
type SessionMode string

const (
	ModeDirect   SessionMode = "direct"
	ModeCompare  SessionMode = "compare"
	ModeRandom   SessionMode = "random"
	ModeAcademic SessionMode = "academic"
)

// IsCompare reports whether the mode runs two labeled branches.
func (m SessionMode) IsCompare() bool {
	return m == ModeCompare || m == ModeRandom || m == ModeAcademic
}

// SessionType 会话类型
type SessionType string

const (
	SessionLLM SessionType = "LLM"
	SessionASR SessionType = "ASR"
	SessionTTS SessionType = "TTS"
)

// Model 是会话引用的一个可选模型
type Model struct {
	ID       string      `json:"id"`
	Code     string      `json:"code"`     // 路由用的模型标识，如 "gpt-4o"
	Provider string      `json:"provider"` // 仅用于展示与日志
	Type     SessionType `json:"type"`
	Name     string      `json:"name,omitempty"`
}

// Session 标识一次对话
type Session struct {
	ID        string      `json:"id"`
	Mode      SessionMode `json:"mode"`
	Type      SessionType `json:"session_type"`
	ModelA    *Model      `json:"model_a,omitempty"`
	ModelB    *Model      `json:"model_b,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ModelFor returns the model selected for a participant branch.
// Direct sessions only have model_a.
func (s *Session) ModelFor(p Participant) *Model {
	if p == ParticipantB {
		return s.ModelB
	}
	return s.ModelA
}

// =============================================================================
// 💬 消息
// =============================================================================

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Participant 分支标签
type Participant string

const (
	ParticipantNone Participant = ""
	ParticipantA    Participant = "a"
	ParticipantB    Participant = "b"
)

// MessageStatus 消息状态，单调推进：pending → streaming → {success | error}
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusSuccess   MessageStatus = "success"
	StatusError     MessageStatus = "error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s MessageStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to MessageStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusStreaming || to.Terminal()
	case StatusStreaming:
		return to == StatusStreaming || to.Terminal()
	default:
		return false
	}
}

// 元数据键
const (
	MetaExtractedText    = "extracted_text"
	MetaTranscription    = "transcription"
	MetaError            = "error"
	MetaAcademicPromptID = "academic_prompt_id"
)

// Message 是会话 DAG 中的一个节点
type Message struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Role             Role           `json:"role"`
	Content          string         `json:"content"`
	Position         int            `json:"position"`
	ParentMessageIDs []string       `json:"parent_message_ids,omitempty"`
	Participant      Participant    `json:"participant,omitempty"`
	Status           MessageStatus  `json:"status"`
	ModelID          string         `json:"model_id,omitempty"`
	AudioPath        string         `json:"audio_path,omitempty"`
	ImagePath        string         `json:"image_path,omitempty"`
	DocPath          string         `json:"doc_path,omitempty"`
	Language         string         `json:"language,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Validate checks the role invariants: a user message carries no model and
// no participant, an assistant message belongs to at most one branch.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleUser:
		if m.ModelID != "" {
			return fmt.Errorf("%w: user message %s references model %s", ErrInvalidMessage, m.ID, m.ModelID)
		}
	case RoleAssistant:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	switch m.Participant {
	case ParticipantNone, ParticipantA, ParticipantB:
	default:
		return fmt.Errorf("%w: unknown participant %q", ErrInvalidMessage, m.Participant)
	}
	return nil
}

// Finalized reports whether the message only accepts metadata updates.
// Only assistant messages follow the status lifecycle.
func (m *Message) Finalized() bool {
	return m.Role == RoleAssistant && m.Status.Terminal()
}

// MetaString reads a string metadata value.
func (m *Message) MetaString(key string) (string, bool) {
	if m == nil || m.Metadata == nil {
		return "", false
	}
	v, ok := m.Metadata[key].(string)
	return v, ok
}

// CloneMetadata returns a shallow copy of the metadata map, never nil.
func (m *Message) CloneMetadata() map[string]any {
	out := make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		out[k] = v
	}
	return out
}

// MessageUpdate 部分字段更新；nil 字段不修改
type MessageUpdate struct {
	Content   *string
	Status    *MessageStatus
	AudioPath *string
	Metadata  map[string]any // 整体替换
}

// MetadataOnly reports whether the update touches nothing but metadata.
// Terminal messages still accept these (attachment cache writes).
func (u MessageUpdate) MetadataOnly() bool {
	return u.Content == nil && u.Status == nil && u.AudioPath == nil && u.Metadata != nil
}

// =============================================================================
// 🎓 学术评测 Prompt
// =============================================================================

// AcademicPrompt 是学术模式下从共享池中发放的 TTS 文本
type AcademicPrompt struct {
	ID         uint   `json:"id"`
	Text       string `json:"text"`
	Language   string `json:"language"`
	UsageCount int    `json:"usage_count"`
}
