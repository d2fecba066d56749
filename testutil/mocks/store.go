// =============================================================================
// 🗄️ MemoryStore - arena.Store 内存实现
// =============================================================================
// 用于测试的内存存储，语义与 gorm 实现保持一致：
// position 按会话单调分配、终态消息拒绝更新、prompt 借出按最小 usage_count 选择。
//
// 使用方法:
//
//	store := mocks.NewMemoryStore()
//	store.PutSession(&arena.Session{ID: "s1", Mode: arena.ModeDirect})
//	_ = store.CreateMessage(ctx, &arena.Message{SessionID: "s1", Role: arena.RoleUser})
// =============================================================================
package mocks

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/arena/arena"
)

// MemoryStore 是 arena.Store 的内存实现
type MemoryStore struct {
	mu sync.Mutex

	sessions  map[string]*arena.Session
	models    map[string]*arena.Model
	messages  map[string]*arena.Message
	positions map[string]int
	prompts   []*arena.AcademicPrompt
	seq       int

	// 错误注入
	updateErr   error
	createErr   error
	createAfter int

	// 调用记录
	updates map[string][]arena.MessageUpdate
	touches map[string]int
}

// NewMemoryStore 创建空的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*arena.Session{},
		models:    map[string]*arena.Model{},
		messages:  map[string]*arena.Message{},
		positions: map[string]int{},
		updates:   map[string][]arena.MessageUpdate{},
		touches:   map[string]int{},
	}
}

// WithUpdateError 让所有 UpdateMessage 返回 err
func (s *MemoryStore) WithUpdateError(err error) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
	return s
}

// WithCreateError 让所有 CreateMessage 返回 err
func (s *MemoryStore) WithCreateError(err error) *MemoryStore {
	return s.WithCreateErrorAfter(0, err)
}

// WithCreateErrorAfter 前 n 次 CreateMessage 成功，之后都返回 err
func (s *MemoryStore) WithCreateErrorAfter(n int, err error) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
	s.createAfter = n
	return s
}

// PutSession 保存会话及其引用的模型
func (s *MemoryStore) PutSession(sess *arena.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	for _, m := range []*arena.Model{sess.ModelA, sess.ModelB} {
		if m != nil {
			mc := *m
			s.models[m.ID] = &mc
		}
	}
}

// PutPrompt 添加一条学术 prompt，ID 为 0 时自动分配
func (s *MemoryStore) PutPrompt(p arena.AcademicPrompt) *arena.AcademicPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = uint(len(s.prompts) + 1)
	}
	cp := p
	s.prompts = append(s.prompts, &cp)
	return &cp
}

// Prompts 返回 prompt 池快照
func (s *MemoryStore) Prompts() []arena.AcademicPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]arena.AcademicPrompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, *p)
	}
	return out
}

// Updates 返回某条消息收到的全部更新
func (s *MemoryStore) Updates(id string) []arena.MessageUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]arena.MessageUpdate(nil), s.updates[id]...)
}

// Touches 返回会话被刷新的次数
func (s *MemoryStore) Touches(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches[sessionID]
}

// --- arena.MessageStore ---

func (s *MemoryStore) CreateMessage(_ context.Context, msg *arena.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		if s.createAfter <= 0 {
			return s.createErr
		}
		s.createAfter--
	}
	if msg.ID == "" {
		s.seq++
		msg.ID = fmt.Sprintf("msg-%d", s.seq)
	}
	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	if msg.Status == "" {
		msg.Status = arena.StatusPending
	}
	s.positions[msg.SessionID]++
	msg.Position = s.positions[msg.SessionID]
	now := time.Now()
	msg.CreatedAt, msg.UpdatedAt = now, now

	cp := *msg
	cp.Metadata = msg.CloneMetadata()
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id string, upd arena.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	m, ok := s.messages[id]
	if !ok {
		return arena.ErrNotFound
	}
	if m.Finalized() && !upd.MetadataOnly() {
		return arena.ErrMessageFinalized
	}
	s.updates[id] = append(s.updates[id], upd)

	if upd.Content != nil {
		m.Content = *upd.Content
	}
	if upd.Status != nil {
		m.Status = *upd.Status
	}
	if upd.AudioPath != nil {
		m.AudioPath = *upd.AudioPath
	}
	if upd.Metadata != nil {
		m.Metadata = make(map[string]any, len(upd.Metadata))
		for k, v := range upd.Metadata {
			m.Metadata[k] = v
		}
	}
	m.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*arena.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, arena.ErrNotFound
	}
	cp := *m
	cp.Metadata = m.CloneMetadata()
	return &cp, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, filter arena.HistoryFilter) ([]*arena.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*arena.Message
	for _, m := range s.messages {
		if m.SessionID != sessionID {
			continue
		}
		if filter.BeforePosition > 0 && m.Position >= filter.BeforePosition {
			continue
		}
		if filter.Participant != arena.ParticipantNone && m.Role == arena.RoleAssistant && m.Participant != filter.Participant {
			continue
		}
		cp := *m
		cp.Metadata = m.CloneMetadata()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// --- arena.SessionStore ---

func (s *MemoryStore) GetSession(_ context.Context, id string) (*arena.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, arena.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetModel(_ context.Context, id string) (*arena.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return nil, arena.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) TouchSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return arena.ErrNotFound
	}
	sess.UpdatedAt = time.Now()
	s.touches[id]++
	return nil
}

// --- arena.PromptStore ---

func (s *MemoryStore) BorrowAcademicPrompt(_ context.Context, language string) (*arena.AcademicPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var least []*arena.AcademicPrompt
	for _, p := range s.prompts {
		if p.Language != language {
			continue
		}
		switch {
		case len(least) == 0 || p.UsageCount < least[0].UsageCount:
			least = []*arena.AcademicPrompt{p}
		case p.UsageCount == least[0].UsageCount:
			least = append(least, p)
		}
	}
	if len(least) == 0 {
		return nil, arena.ErrNoPrompt
	}
	chosen := least[rand.IntN(len(least))]
	chosen.UsageCount++
	cp := *chosen
	return &cp, nil
}

var _ arena.Store = (*MemoryStore)(nil)
