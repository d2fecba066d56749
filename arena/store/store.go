package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/BaSui01/arena/arena"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// 🗄️ GormStore
// =============================================================================

// GormStore 基于 gorm 实现 arena.Store，支持 postgres / mysql / sqlite
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
	pick   func(n int) int
	tx     TxRunner
}

// TxRunner 在事务中执行 fn。*database.PoolManager 的 WithTransactionRetry 可以包装成它，
// 让位置分配和 prompt 借用在死锁或序列化失败时重试。
type TxRunner func(ctx context.Context, fn func(tx *gorm.DB) error) error

// Option 配置 GormStore
type Option func(*GormStore)

// WithPicker 替换平局时的随机选择函数（测试用）
func WithPicker(pick func(n int) int) Option {
	return func(s *GormStore) { s.pick = pick }
}

// WithTxRunner 替换默认的单次事务执行
func WithTxRunner(run TxRunner) Option {
	return func(s *GormStore) { s.tx = run }
}

// New 创建 GormStore
func New(db *gorm.DB, logger *zap.Logger, opts ...Option) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "arena_store")),
		pick:   rand.IntN,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
			return s.db.WithContext(ctx).Transaction(fn)
		}
	}
	return s
}

// AutoMigrate 自动迁移全部表，供 sqlite 开发环境和测试使用
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

// DB 返回底层 gorm 实例
func (s *GormStore) DB() *gorm.DB { return s.db }

// =============================================================================
// 💬 消息
// =============================================================================

// CreateMessage 插入消息并分配会话内单调递增的 position。
// 会话行在事务内加锁，避免并发插入拿到相同 position。
func (s *GormStore) CreateMessage(ctx context.Context, msg *arena.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = arena.StatusPending
	}

	row := rowFromMessage(msg)
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var sess SessionRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", msg.SessionID).
			Take(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("session %s: %w", msg.SessionID, arena.ErrNotFound)
			}
			return err
		}

		var maxPos int
		if err := tx.Model(&MessageRow{}).
			Where("session_id = ?", msg.SessionID).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPos).Error; err != nil {
			return err
		}
		row.Position = maxPos + 1
		return tx.Create(row).Error
	})
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	msg.Position = row.Position
	msg.CreatedAt = row.CreatedAt
	msg.UpdatedAt = row.UpdatedAt
	return nil
}

// UpdateMessage 部分字段更新。终态的 assistant 消息（success / error）只接受纯 metadata 更新；
// user 消息没有生命周期，学术模式会改写它的内容。
func (s *GormStore) UpdateMessage(ctx context.Context, id string, upd arena.MessageUpdate) error {
	fields := map[string]any{}
	if upd.Content != nil {
		fields["content"] = *upd.Content
	}
	if upd.Status != nil {
		fields["status"] = string(*upd.Status)
	}
	if upd.AudioPath != nil {
		fields["audio_path"] = *upd.AudioPath
	}
	if upd.Metadata != nil {
		fields["metadata"] = JSONMap(upd.Metadata)
	}
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = time.Now()

	q := s.db.WithContext(ctx).Model(&MessageRow{}).Where("id = ?", id)
	if !upd.MetadataOnly() {
		q = q.Where("(role = ? OR status NOT IN ?)", string(arena.RoleUser),
			[]string{string(arena.StatusSuccess), string(arena.StatusError)})
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update message %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// 区分不存在与已终态
	var count int64
	if err := s.db.WithContext(ctx).Model(&MessageRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("message %s: %w", id, arena.ErrNotFound)
	}
	return fmt.Errorf("message %s: %w", id, arena.ErrMessageFinalized)
}

// GetMessage 按 id 读取消息
func (s *GormStore) GetMessage(ctx context.Context, id string) (*arena.Message, error) {
	var row MessageRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %s: %w", id, arena.ErrNotFound)
		}
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return messageFromRow(&row), nil
}

// ListMessages 按 position 升序返回会话消息。
// 指定 Participant 时返回全部 user 消息加该分支的 assistant 消息。
func (s *GormStore) ListMessages(ctx context.Context, sessionID string, filter arena.HistoryFilter) ([]*arena.Message, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if filter.BeforePosition > 0 {
		q = q.Where("position < ?", filter.BeforePosition)
	}
	if filter.Participant != arena.ParticipantNone {
		q = q.Where("(role = ? OR participant = ?)", string(arena.RoleUser), string(filter.Participant))
	}

	var rows []MessageRow
	if err := q.Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
	}
	out := make([]*arena.Message, 0, len(rows))
	for i := range rows {
		out = append(out, messageFromRow(&rows[i]))
	}
	return out, nil
}

// =============================================================================
// 🎯 会话
// =============================================================================

// CreateSession 创建会话，ID 为空时自动生成
func (s *GormStore) CreateSession(ctx context.Context, sess *arena.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	row := &SessionRow{
		ID:          sess.ID,
		Mode:        string(sess.Mode),
		SessionType: string(sess.Type),
	}
	if sess.ModelA != nil {
		row.ModelAID = &sess.ModelA.ID
	}
	if sess.ModelB != nil {
		row.ModelBID = &sess.ModelB.ID
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sess.CreatedAt, sess.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

// GetSession 读取会话及其选中的模型
func (s *GormStore) GetSession(ctx context.Context, id string) (*arena.Session, error) {
	var row SessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, arena.ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	sess := &arena.Session{
		ID:        row.ID,
		Mode:      arena.SessionMode(row.Mode),
		Type:      arena.SessionType(row.SessionType),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	var err error
	if row.ModelAID != nil {
		if sess.ModelA, err = s.GetModel(ctx, *row.ModelAID); err != nil {
			return nil, err
		}
	}
	if row.ModelBID != nil {
		if sess.ModelB, err = s.GetModel(ctx, *row.ModelBID); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// TouchSession 刷新 updated_at
func (s *GormStore) TouchSession(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&SessionRow{}).Where("id = ?", id).Update("updated_at", time.Now())
	if res.Error != nil {
		return fmt.Errorf("touch session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, arena.ErrNotFound)
	}
	return nil
}

// =============================================================================
// 🤖 模型
// =============================================================================

// SaveModel 插入或更新模型
func (s *GormStore) SaveModel(ctx context.Context, m *arena.Model) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	row := &ModelRow{
		ID:        m.ID,
		Code:      m.Code,
		Provider:  m.Provider,
		ModelType: string(m.Type),
		Name:      m.Name,
		Active:    true,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"code", "provider", "model_type", "name", "active"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("save model %s: %w", m.Code, err)
	}
	return nil
}

// GetModel 按 id 读取模型
func (s *GormStore) GetModel(ctx context.Context, id string) (*arena.Model, error) {
	var row ModelRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("model %s: %w", id, arena.ErrNotFound)
		}
		return nil, fmt.Errorf("get model %s: %w", id, err)
	}
	return modelFromRow(&row), nil
}

// =============================================================================
// 🎓 学术 Prompt
// =============================================================================

// AddAcademicPrompts 批量写入 prompt
func (s *GormStore) AddAcademicPrompts(ctx context.Context, prompts []arena.AcademicPrompt) error {
	if len(prompts) == 0 {
		return nil
	}
	rows := make([]AcademicPromptRow, 0, len(prompts))
	for _, p := range prompts {
		rows = append(rows, AcademicPromptRow{ID: p.ID, Text: p.Text, Language: p.Language, UsageCount: p.UsageCount})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("add academic prompts: %w", err)
	}
	return nil
}

// BorrowAcademicPrompt 在事务内对该语言的 prompt 行加 FOR UPDATE 锁，
// 选出 usage_count 最小的一条（平局随机），并原子自增其 usage_count。
func (s *GormStore) BorrowAcademicPrompt(ctx context.Context, language string) (*arena.AcademicPrompt, error) {
	var chosen AcademicPromptRow
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var rows []AcademicPromptRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("language = ?", language).
			Order("id ASC").
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return arena.ErrNoPrompt
		}

		least := leastUsed(rows)
		chosen = least[s.pick(len(least))]

		return tx.Model(&AcademicPromptRow{}).
			Where("id = ?", chosen.ID).
			UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1)).Error
	})
	if err != nil {
		if errors.Is(err, arena.ErrNoPrompt) {
			return nil, fmt.Errorf("language %q: %w", language, err)
		}
		return nil, fmt.Errorf("borrow academic prompt: %w", err)
	}

	chosen.UsageCount++
	s.logger.Debug("academic prompt borrowed",
		zap.Uint("prompt_id", chosen.ID),
		zap.String("language", language),
		zap.Int("usage_count", chosen.UsageCount))
	return promptFromRow(&chosen), nil
}

func leastUsed(rows []AcademicPromptRow) []AcademicPromptRow {
	lowest := rows[0].UsageCount
	for _, r := range rows[1:] {
		if r.UsageCount < lowest {
			lowest = r.UsageCount
		}
	}
	out := make([]AcademicPromptRow, 0, len(rows))
	for _, r := range rows {
		if r.UsageCount == lowest {
			out = append(out, r)
		}
	}
	return out
}

var _ arena.Store = (*GormStore)(nil)
