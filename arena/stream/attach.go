package stream

import (
	"context"
	"sync"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/arena/attachment"
	"go.uber.org/zap"
)

// attachments 让一个回合的附件只解析一次，compare 模式的两个分支共用结果。
type attachments struct {
	once     sync.Once
	user     *arena.Message
	resolved attachment.Resolved
}

func newAttachments() *attachments { return &attachments{} }

// resolve 以库里最新的 user 消息为准解析附件，读取失败时退回内存中的副本。
// 解析会回写 metadata，所以在拷贝上做，返回的消息只读。
func (a *attachments) resolve(ctx context.Context, r *run) (*arena.Message, attachment.Resolved) {
	a.once.Do(func() {
		user := r.b.User
		if stored, err := r.d.store.GetMessage(ctx, user.ID); err == nil {
			user = stored
		} else {
			r.logger.Debug("reload user message failed, using turn copy",
				zap.String("user_message_id", user.ID), zap.Error(err))
		}
		cp := *user
		cp.Metadata = user.CloneMetadata()
		a.resolved = r.d.resolver.Resolve(ctx, &cp, r.b.Session.Type)
		a.user = &cp
	})
	return a.user, a.resolved
}
