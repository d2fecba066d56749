package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/arena/arena"
	"go.uber.org/zap"
)

// dispenser 保证一个回合只发放一次学术 prompt。
// 两个分支都会调用 take，只有先到的那个真正借出并负责宣告。
type dispenser struct {
	once   sync.Once
	prompt *arena.AcademicPrompt
	fresh  bool
	err    error
}

func newDispenser() *dispenser { return &dispenser{} }

// take 返回本回合的 prompt。first 为 true 表示由本次调用完成了发放。
func (d *dispenser) take(fn func() (*arena.AcademicPrompt, bool, error)) (p *arena.AcademicPrompt, first bool, err error) {
	d.once.Do(func() {
		d.prompt, d.fresh, d.err = fn()
		first = true
	})
	return d.prompt, first && d.fresh, d.err
}

// borrowPrompt 为 user 消息选定学术 prompt 并改写其内容。
// 已带 academic_prompt_id 的消息（重新生成）直接沿用现有文本，fresh 为 false。
func (r *run) borrowPrompt(ctx context.Context) (*arena.AcademicPrompt, bool, error) {
	user := r.b.User
	if id, ok := user.Metadata[arena.MetaAcademicPromptID]; ok {
		return &arena.AcademicPrompt{
			ID:       promptID(id),
			Text:     user.Content,
			Language: user.Language,
		}, false, nil
	}

	p, err := r.d.store.BorrowAcademicPrompt(ctx, user.Language)
	if err != nil {
		return nil, false, fmt.Errorf("borrow academic prompt for %q: %w", user.Language, err)
	}

	meta := user.CloneMetadata()
	meta[arena.MetaAcademicPromptID] = p.ID
	text := p.Text
	pctx, cancel := r.persistContext()
	defer cancel()
	if err := r.d.store.UpdateMessage(pctx, user.ID, arena.MessageUpdate{Content: &text, Metadata: meta}); err != nil {
		r.d.recorder.RecordPersistFailure("academic_prompt")
		r.logger.Warn("failed to overwrite user message with academic prompt",
			zap.Uint("prompt_id", p.ID), zap.Error(err))
	}
	r.logger.Info("academic prompt dispensed",
		zap.Uint("prompt_id", p.ID),
		zap.String("language", p.Language),
		zap.Int("usage_count", p.UsageCount))
	return p, true, nil
}

// promptID 兼容 metadata 经 JSON 往返后的数值类型
func promptID(v any) uint {
	switch n := v.(type) {
	case uint:
		return n
	case int:
		return uint(n)
	case int64:
		return uint(n)
	case float64:
		return uint(n)
	default:
		return 0
	}
}
