package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/arena/arena"
)

// =============================================================================
// 🗃️ 表结构
// =============================================================================

// SessionRow arena_sessions 表
type SessionRow struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Mode        string    `gorm:"size:20;not null" json:"mode"`
	SessionType string    `gorm:"size:10;not null" json:"session_type"`
	ModelAID    *string   `gorm:"size:36" json:"model_a_id"`
	ModelBID    *string   `gorm:"size:36" json:"model_b_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (SessionRow) TableName() string { return "arena_sessions" }

// ModelRow arena_models 表
type ModelRow struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Code      string    `gorm:"size:100;not null;index" json:"code"`
	Provider  string    `gorm:"size:50" json:"provider"`
	ModelType string    `gorm:"size:10;not null" json:"model_type"`
	Name      string    `gorm:"size:200" json:"name"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (ModelRow) TableName() string { return "arena_models" }

// MessageRow arena_messages 表
type MessageRow struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	SessionID        string     `gorm:"size:36;not null;uniqueIndex:idx_session_position,priority:1" json:"session_id"`
	Position         int        `gorm:"not null;uniqueIndex:idx_session_position,priority:2" json:"position"`
	Role             string     `gorm:"size:10;not null" json:"role"`
	Content          string     `gorm:"type:text" json:"content"`
	ParentMessageIDs StringList `gorm:"type:text" json:"parent_message_ids"`
	Participant      string     `gorm:"size:1" json:"participant"`
	Status           string     `gorm:"size:10;not null;default:pending" json:"status"`
	ModelID          *string    `gorm:"size:36" json:"model_id"`
	AudioPath        string     `gorm:"size:500" json:"audio_path"`
	ImagePath        string     `gorm:"size:500" json:"image_path"`
	DocPath          string     `gorm:"size:500" json:"doc_path"`
	Language         string     `gorm:"size:10" json:"language"`
	Metadata         JSONMap    `gorm:"type:text" json:"metadata"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (MessageRow) TableName() string { return "arena_messages" }

// AcademicPromptRow academic_prompts 表
type AcademicPromptRow struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Text       string    `gorm:"type:text;not null" json:"text"`
	Language   string    `gorm:"size:10;not null;index" json:"language"`
	UsageCount int       `gorm:"not null;default:0" json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func (AcademicPromptRow) TableName() string { return "academic_prompts" }

// ProviderErrorLogRow provider_error_logs 表
type ProviderErrorLogRow struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"size:50;index" json:"provider"`
	Model           string    `gorm:"size:100" json:"model"`
	Code            string    `gorm:"size:50" json:"code"`
	Message         string    `gorm:"type:text" json:"message"`
	HTTPStatus      int       `json:"http_status"`
	RequestID       string    `gorm:"size:200" json:"request_id"`
	Method          string    `gorm:"size:10" json:"method"`
	URL             string    `gorm:"size:1000" json:"url"`
	PolicyViolation bool      `json:"policy_violation"`
	OccurredAt      time.Time `gorm:"index" json:"occurred_at"`
}

func (ProviderErrorLogRow) TableName() string { return "provider_error_logs" }

// AllModels 返回需要迁移的全部表
func AllModels() []any {
	return []any{
		&SessionRow{},
		&ModelRow{},
		&MessageRow{},
		&AcademicPromptRow{},
		&ProviderErrorLogRow{},
	}
}

// =============================================================================
// 🔄 JSON 列
// =============================================================================

// StringList 以 JSON 数组存储
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

func (l *StringList) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil || data == nil {
		*l = nil
		return err
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// JSONMap 以 JSON 对象存储
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	return string(b), err
}

func (m *JSONMap) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil || data == nil {
		*m = nil
		return err
	}
	return json.Unmarshal(data, (*map[string]any)(m))
}

func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// =============================================================================
// 🔁 领域转换
// =============================================================================

func messageFromRow(r *MessageRow) *arena.Message {
	m := &arena.Message{
		ID:               r.ID,
		SessionID:        r.SessionID,
		Role:             arena.Role(r.Role),
		Content:          r.Content,
		Position:         r.Position,
		ParentMessageIDs: []string(r.ParentMessageIDs),
		Participant:      arena.Participant(r.Participant),
		Status:           arena.MessageStatus(r.Status),
		AudioPath:        r.AudioPath,
		ImagePath:        r.ImagePath,
		DocPath:          r.DocPath,
		Language:         r.Language,
		Metadata:         map[string]any(r.Metadata),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.ModelID != nil {
		m.ModelID = *r.ModelID
	}
	return m
}

func rowFromMessage(m *arena.Message) *MessageRow {
	r := &MessageRow{
		ID:               m.ID,
		SessionID:        m.SessionID,
		Role:             string(m.Role),
		Content:          m.Content,
		ParentMessageIDs: StringList(m.ParentMessageIDs),
		Participant:      string(m.Participant),
		Status:           string(m.Status),
		AudioPath:        m.AudioPath,
		ImagePath:        m.ImagePath,
		DocPath:          m.DocPath,
		Language:         m.Language,
		Metadata:         JSONMap(m.Metadata),
	}
	if m.ModelID != "" {
		id := m.ModelID
		r.ModelID = &id
	}
	return r
}

func modelFromRow(r *ModelRow) *arena.Model {
	return &arena.Model{
		ID:       r.ID,
		Code:     r.Code,
		Provider: r.Provider,
		Type:     arena.SessionType(r.ModelType),
		Name:     r.Name,
	}
}

func promptFromRow(r *AcademicPromptRow) *arena.AcademicPrompt {
	return &arena.AcademicPrompt{
		ID:         r.ID,
		Text:       r.Text,
		Language:   r.Language,
		UsageCount: r.UsageCount,
	}
}
