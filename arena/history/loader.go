// Package history 重建会话历史，作为模型上下文。
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/llm"
	"go.uber.org/zap"
)

// LoadOptions 历史加载条件
type LoadOptions struct {
	// Participant 非空时只保留该分支的 assistant 回复（user 消息全部保留）
	Participant arena.Participant
	// BeforePosition > 0 时截断到该 position 之前。
	// 传入本回合 user 消息的 position，重新生成时旧回复自然被排除。
	BeforePosition int
	// ExcludeIDs 排除的消息（本回合刚创建的 user / assistant 占位）
	ExcludeIDs []string
}

// Loader 从 MessageStore 加载有序历史
type Loader struct {
	messages arena.MessageStore
	logger   *zap.Logger
}

// NewLoader 创建历史加载器
func NewLoader(messages arena.MessageStore, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{messages: messages, logger: logger.With(zap.String("component", "history"))}
}

// Load 返回按 position 升序的 {role, content} 序列。
// 空内容和失败的 assistant 回复不进入上下文。
func (l *Loader) Load(ctx context.Context, sessionID string, opts LoadOptions) ([]llm.Message, error) {
	rows, err := l.messages.ListMessages(ctx, sessionID, arena.HistoryFilter{
		Participant:    opts.Participant,
		BeforePosition: opts.BeforePosition,
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	excluded := make(map[string]struct{}, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		excluded[id] = struct{}{}
	}

	out := make([]llm.Message, 0, len(rows))
	for _, m := range rows {
		if _, skip := excluded[m.ID]; skip {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case arena.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case arena.RoleAssistant:
			if m.Status == arena.StatusError {
				continue
			}
			// 过滤条件由存储保证，这里再兜一层
			if opts.Participant != arena.ParticipantNone && m.Participant != opts.Participant {
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}

	l.logger.Debug("history loaded",
		zap.String("session_id", sessionID),
		zap.String("participant", string(opts.Participant)),
		zap.Int("messages", len(out)))
	return out, nil
}
