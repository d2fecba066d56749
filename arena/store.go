package arena

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a session, model or message does not exist.
	ErrNotFound = errors.New("arena: not found")

	// ErrMessageFinalized is returned when an update targets a message already in a terminal status.
	ErrMessageFinalized = errors.New("arena: message already finalized")

	// ErrInvalidMessage is returned when a message violates the role/model/participant rules.
	ErrInvalidMessage = errors.New("arena: invalid message")

	// ErrNoPrompt is returned when the academic prompt pool has nothing for a language.
	ErrNoPrompt = errors.New("arena: no academic prompt available")
)

// HistoryFilter 历史查询条件
type HistoryFilter struct {
	// Participant 非空时只返回该分支的 assistant 消息（user 消息全部返回）
	Participant Participant
	// BeforePosition > 0 时只返回 position 更小的消息
	BeforePosition int
}

// MessageStore 消息持久化边界。不同行上的并发调用必须安全。
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, sessionID string, filter HistoryFilter) ([]*Message, error)
}

// SessionStore 会话与模型只读查询，外加 updated_at 刷新
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	GetModel(ctx context.Context, id string) (*Model, error)
	TouchSession(ctx context.Context, id string) error
}

// PromptStore 学术 prompt 池
type PromptStore interface {
	// BorrowAcademicPrompt 以最小 usage_count（随机打破平局）选出一条 prompt，
	// 并在行锁保护下原子地自增其 usage_count。
	BorrowAcademicPrompt(ctx context.Context, language string) (*AcademicPrompt, error)
}

// Store 聚合全部持久化能力
type Store interface {
	MessageStore
	SessionStore
	PromptStore
}
