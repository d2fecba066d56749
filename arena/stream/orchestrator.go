package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/BaSui01/arena/arena"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrInvalidTurn 请求的消息组合不构成一个合法回合
var ErrInvalidTurn = errors.New("stream: invalid turn")

// TurnRequest 是流式入口的请求体
type TurnRequest struct {
	SessionID string            `json:"sessionId"`
	Messages  []IncomingMessage `json:"messages"`
}

// IncomingMessage 请求中的一条消息；不存在的 id 会被创建
type IncomingMessage struct {
	ID               string              `json:"id"`
	Role             arena.Role          `json:"role"`
	Content          string              `json:"content"`
	ParentMessageIDs []string            `json:"parentMessageIds,omitempty"`
	Participant      arena.Participant   `json:"participant,omitempty"`
	ModelID          string              `json:"modelId,omitempty"`
	Status           arena.MessageStatus `json:"status,omitempty"`
	AudioPath        string              `json:"audioPath,omitempty"`
	ImagePath        string              `json:"imagePath,omitempty"`
	DocPath          string              `json:"docPath,omitempty"`
	Language         string              `json:"language,omitempty"`
}

func (m IncomingMessage) toMessage(sessionID string) *arena.Message {
	return &arena.Message{
		ID:               m.ID,
		SessionID:        sessionID,
		Role:             m.Role,
		Content:          m.Content,
		ParentMessageIDs: m.ParentMessageIDs,
		Participant:      m.Participant,
		ModelID:          m.ModelID,
		Status:           m.Status,
		AudioPath:        m.AudioPath,
		ImagePath:        m.ImagePath,
		DocPath:          m.DocPath,
		Language:         m.Language,
	}
}

// Turn 是校验并落库后的一个回合：一条 user 消息和一到两个 assistant 占位
type Turn struct {
	Session    *arena.Session
	User       *arena.Message
	Assistants []*arena.Message
	Models     []*arena.Model

	prompts     *dispenser
	attachments *attachments
}

func (t *Turn) branch(i int) Branch {
	a := t.Assistants[i]
	return Branch{
		Session:     t.Session,
		User:        t.User,
		Assistant:   a,
		Model:       t.Models[i],
		Participant: a.Participant,
		prompts:     t.prompts,
		attachments: t.attachments,
	}
}

// =============================================================================
// 🎬 回合编排
// =============================================================================

// Orchestrator 把一个回合扇出到分支驱动，direct 模式直连，compare 模式经过合并器
type Orchestrator struct {
	store    arena.Store
	driver   *Driver
	merger   *Merger
	recorder Recorder
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewOrchestrator 创建编排器，复用 driver 的 recorder 与 tracer
func NewOrchestrator(store arena.Store, driver *Driver, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		driver:   driver,
		merger:   NewMerger(driver.Config().Buffer, logger),
		recorder: driver.recorder,
		tracer:   driver.tracer,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
}

// Prepare 校验请求并创建尚不存在的消息。
// 已存在的 user 消息（重新生成）直接复用；已终态的 assistant 占位会被拒绝。
func (o *Orchestrator) Prepare(ctx context.Context, req TurnRequest) (*Turn, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidTurn)
	}
	sess, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", req.SessionID, err)
	}

	var userIn *IncomingMessage
	var assistantsIn []IncomingMessage
	for i := range req.Messages {
		m := req.Messages[i]
		switch m.Role {
		case arena.RoleUser:
			if userIn != nil {
				return nil, fmt.Errorf("%w: more than one user message", ErrInvalidTurn)
			}
			userIn = &m
		case arena.RoleAssistant:
			assistantsIn = append(assistantsIn, m)
		default:
			return nil, fmt.Errorf("%w: unknown role %q", arena.ErrInvalidMessage, m.Role)
		}
	}
	if userIn == nil {
		return nil, fmt.Errorf("%w: no user message", ErrInvalidTurn)
	}
	if err := checkBranches(sess.Mode, assistantsIn); err != nil {
		return nil, err
	}
	// a 先于 b 创建，position 稳定
	sort.SliceStable(assistantsIn, func(i, j int) bool {
		return assistantsIn[i].Participant < assistantsIn[j].Participant
	})

	// 先解析全部消息与模型，校验都通过后才写库；被拒绝的请求不留下 pending 占位
	user, userFresh, err := o.loadOrBuild(ctx, sess.ID, *userIn)
	if err != nil {
		return nil, err
	}
	if userFresh && user.ID == "" {
		user.ID = uuid.NewString()
	}

	turn := &Turn{Session: sess, User: user, prompts: newDispenser(), attachments: newAttachments()}
	var fresh []*arena.Message
	for _, in := range assistantsIn {
		if in.ModelID == "" {
			if m := sess.ModelFor(in.Participant); m != nil {
				in.ModelID = m.ID
			}
		}
		if len(in.ParentMessageIDs) == 0 {
			in.ParentMessageIDs = []string{user.ID}
		}
		in.Status = arena.StatusPending

		a, isNew, err := o.loadOrBuild(ctx, sess.ID, in)
		if err != nil {
			return nil, err
		}
		if a.Finalized() {
			return nil, fmt.Errorf("assistant %s: %w", a.ID, arena.ErrMessageFinalized)
		}
		model, err := o.resolveModel(ctx, sess, a)
		if err != nil {
			return nil, err
		}
		if isNew {
			fresh = append(fresh, a)
		}
		turn.Assistants = append(turn.Assistants, a)
		turn.Models = append(turn.Models, model)
	}

	if userFresh {
		if err := o.store.CreateMessage(ctx, user); err != nil {
			return nil, fmt.Errorf("create user message: %w", err)
		}
	}
	for i, a := range fresh {
		if err := o.store.CreateMessage(ctx, a); err != nil {
			err = fmt.Errorf("create assistant message: %w", err)
			o.abandon(ctx, fresh[:i], err)
			return nil, err
		}
	}
	return turn, nil
}

// abandon 把本次已创建、但回合未能开始的占位标记为 error，避免永远停在 pending
func (o *Orchestrator) abandon(ctx context.Context, created []*arena.Message, cause error) {
	ctx = context.WithoutCancel(ctx)
	st := arena.StatusError
	for _, a := range created {
		meta := map[string]any{arena.MetaError: cause.Error()}
		if err := o.store.UpdateMessage(ctx, a.ID, arena.MessageUpdate{Status: &st, Metadata: meta}); err != nil {
			o.logger.Error("failed to abandon placeholder",
				zap.String("message_id", a.ID), zap.Error(err))
			continue
		}
		a.Status = st
		a.Metadata = meta
	}
}

func checkBranches(mode arena.SessionMode, in []IncomingMessage) error {
	if len(in) == 0 {
		return fmt.Errorf("%w: no assistant placeholder", ErrInvalidTurn)
	}
	if !mode.IsCompare() {
		if len(in) != 1 || in[0].Participant != arena.ParticipantNone {
			return fmt.Errorf("%w: direct mode takes exactly one unlabeled assistant", ErrInvalidTurn)
		}
		return nil
	}
	if len(in) > 2 {
		return fmt.Errorf("%w: at most two assistants per turn", ErrInvalidTurn)
	}
	seen := map[arena.Participant]bool{}
	for _, m := range in {
		if m.Participant != arena.ParticipantA && m.Participant != arena.ParticipantB {
			return fmt.Errorf("%w: %s mode needs participant a or b, got %q", ErrInvalidTurn, mode, m.Participant)
		}
		if seen[m.Participant] {
			return fmt.Errorf("%w: duplicate participant %q", ErrInvalidTurn, m.Participant)
		}
		seen[m.Participant] = true
	}
	return nil
}

// loadOrBuild 返回已存在的消息；不存在时只在内存里构造并校验，fresh 为 true，由调用方落库
func (o *Orchestrator) loadOrBuild(ctx context.Context, sessionID string, in IncomingMessage) (msg *arena.Message, fresh bool, err error) {
	if in.ID != "" {
		existing, err := o.store.GetMessage(ctx, in.ID)
		switch {
		case err == nil:
			if existing.SessionID != sessionID {
				return nil, false, fmt.Errorf("%w: message %s belongs to another session", ErrInvalidTurn, in.ID)
			}
			if existing.Role != in.Role {
				return nil, false, fmt.Errorf("%w: message %s is a %s message", ErrInvalidTurn, in.ID, existing.Role)
			}
			return existing, false, nil
		case !errors.Is(err, arena.ErrNotFound):
			return nil, false, fmt.Errorf("load message %s: %w", in.ID, err)
		}
	}

	msg = in.toMessage(sessionID)
	if msg.Role == arena.RoleUser && msg.Status == "" {
		msg.Status = arena.StatusSuccess
	}
	if err := msg.Validate(); err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

func (o *Orchestrator) resolveModel(ctx context.Context, sess *arena.Session, a *arena.Message) (*arena.Model, error) {
	if a.ModelID == "" {
		return nil, nil
	}
	for _, m := range []*arena.Model{sess.ModelA, sess.ModelB} {
		if m != nil && m.ID == a.ModelID {
			return m, nil
		}
	}
	m, err := o.store.GetModel(ctx, a.ModelID)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", a.ModelID, err)
	}
	return m, nil
}

// Run 驱动回合直到所有分支终态。direct 模式绕过合并器。
// 客户端断开不会让 Run 提前返回，分支的落库在返回前完成。
func (o *Orchestrator) Run(ctx context.Context, t *Turn, emit Emitter) error {
	ctx, span := o.tracer.Start(ctx, "arena.turn", trace.WithAttributes(
		attribute.String("arena.session_id", t.Session.ID),
		attribute.String("arena.mode", string(t.Session.Mode)),
		attribute.Int("arena.branches", len(t.Assistants)),
	))
	defer span.End()

	counted := func(f arena.Frame) bool {
		o.recorder.RecordFrame(string(f.Kind))
		return emit(f)
	}

	o.logger.Debug("turn started",
		zap.String("session_id", t.Session.ID),
		zap.String("user_message_id", t.User.ID),
		zap.Int("branches", len(t.Assistants)))

	if !t.Session.Mode.IsCompare() && len(t.Assistants) == 1 {
		o.driver.Drive(ctx, t.branch(0), counted)
		return nil
	}

	producers := make([]Producer, 0, len(t.Assistants))
	for i := range t.Assistants {
		b := t.branch(i)
		producers = append(producers, Producer{
			Participant: b.Participant,
			Run: func(ctx context.Context, emit Emitter) {
				o.driver.Drive(ctx, b, emit)
			},
		})
	}
	if err := o.merger.Merge(ctx, producers, counted); err != nil {
		span.RecordError(err)
		o.logger.Error("turn finished with errors", zap.String("session_id", t.Session.ID), zap.Error(err))
		return err
	}
	return nil
}

// Stream 是 Prepare + Run 的便捷组合
func (o *Orchestrator) Stream(ctx context.Context, req TurnRequest, emit Emitter) error {
	t, err := o.Prepare(ctx, req)
	if err != nil {
		return err
	}
	return o.Run(ctx, t, emit)
}
