package stream

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/arena/attachment"
	"github.com/BaSui01/arena/arena/history"
	"github.com/BaSui01/arena/internal/ctxkeys"
	"github.com/BaSui01/arena/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/BaSui01/arena/arena/stream"

// NoPromptMessage 学术 prompt 池为空时展示给用户的消息
const NoPromptMessage = "No evaluation prompt is available for this language."

// Emitter 把一帧交给下游。返回 false 表示下游不再接收（客户端已断开）。
type Emitter func(arena.Frame) bool

// Router 按模型 code 选择适配器，由 *llm.Registry 实现
type Router interface {
	Chat(model string) (llm.ChatProvider, error)
	ASR(model string) (llm.ASRProvider, error)
	TTS(model string) (llm.TTSProvider, error)
}

// AttachmentResolver 由 *attachment.Resolver 实现
type AttachmentResolver interface {
	Resolve(ctx context.Context, msg *arena.Message, sessionType arena.SessionType) attachment.Resolved
}

// HistoryLoader 由 *history.Loader 实现
type HistoryLoader interface {
	Load(ctx context.Context, sessionID string, opts history.LoadOptions) ([]llm.Message, error)
}

// Branch 描述一个分支要驱动的全部输入
type Branch struct {
	Session     *arena.Session
	User        *arena.Message // 两个分支共享，只读
	Assistant   *arena.Message // 本分支独占
	Model       *arena.Model
	Participant arena.Participant

	prompts     *dispenser
	attachments *attachments
}

// =============================================================================
// 🚦 分支驱动
// =============================================================================

// Driver 驱动单个分支走完 pending → streaming → {success | error}。
// 任何失败都转换为 error 帧，不会越过分支边界。
type Driver struct {
	store    arena.Store
	router   Router
	history  HistoryLoader
	resolver AttachmentResolver
	signer   attachment.URLSigner
	recorder Recorder
	tracer   trace.Tracer
	cfg      atomic.Pointer[Config]
	logger   *zap.Logger
}

// DriverOption 配置 Driver
type DriverOption func(*Driver)

func WithHistoryLoader(h HistoryLoader) DriverOption { return func(d *Driver) { d.history = h } }
func WithAttachmentResolver(r AttachmentResolver) DriverOption {
	return func(d *Driver) { d.resolver = r }
}
func WithAudioSigner(s attachment.URLSigner) DriverOption { return func(d *Driver) { d.signer = s } }
func WithRecorder(r Recorder) DriverOption                { return func(d *Driver) { d.recorder = r } }
func WithTracer(t trace.Tracer) DriverOption              { return func(d *Driver) { d.tracer = t } }

// NewDriver 创建分支驱动。未指定的历史加载器与附件解析器使用基于 store 的默认实现。
func NewDriver(store arena.Store, router Router, cfg Config, logger *zap.Logger, opts ...DriverOption) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		store:    store,
		router:   router,
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "branch_driver")),
	}
	d.SetConfig(cfg)
	for _, opt := range opts {
		opt(d)
	}
	if d.history == nil {
		d.history = history.NewLoader(store, logger)
	}
	if d.resolver == nil {
		d.resolver = attachment.NewResolver(store, logger)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(instrumentationName)
	}
	return d
}

// Config 返回当前生效的配置快照
func (d *Driver) Config() Config { return *d.cfg.Load() }

// SetConfig 热更新配置，只影响之后开始的分支
func (d *Driver) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	d.cfg.Store(&cfg)
}

// Drive 运行一个分支直到终态，并保证恰好发出一个终止帧（客户端仍在时）。
// 返回时 assistant 消息已经落库为 success 或 error（存储本身失败除外）。
func (d *Driver) Drive(ctx context.Context, b Branch, emit Emitter) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "arena.branch", trace.WithAttributes(
		attribute.String("arena.session_id", b.Session.ID),
		attribute.String("arena.message_id", b.Assistant.ID),
		attribute.String("arena.participant", string(b.Participant)),
		attribute.String("arena.session_type", string(b.Session.Type)),
	))
	defer span.End()

	if b.prompts == nil {
		b.prompts = newDispenser()
	}
	if b.attachments == nil {
		b.attachments = newAttachments()
	}

	logger := d.logger.With(
		zap.String("session_id", b.Session.ID),
		zap.String("message_id", b.Assistant.ID),
		zap.String("participant", string(b.Participant)),
	)
	if id, ok := ctxkeys.RequestID(ctx); ok {
		logger = logger.With(zap.String("request_id", id))
	}
	if b.Model != nil {
		logger = logger.With(zap.String("model", b.Model.Code))
		span.SetAttributes(attribute.String("arena.model", b.Model.Code))
	}

	cfg := d.Config()

	// 落库始终脱离请求 ctx，客户端断开也要写终态
	base := ctx
	if cfg.DetachOnDisconnect {
		base = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithTimeout(base, cfg.TurnTimeout)
	defer cancel()

	r := &run{
		d:         d,
		cfg:       cfg,
		b:         b,
		emit:      emit,
		span:      span,
		logger:    logger,
		cancel:    cancel,
		persistTo: context.WithoutCancel(ctx),
		status:    arena.StatusPending,
		meta:      b.Assistant.CloneMetadata(),
		flush:     &rate.Sometimes{Every: cfg.FlushEvery, Interval: cfg.FlushInterval},
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("branch panicked", zap.Any("panic", p), zap.Stack("stack"))
			r.fail(fmt.Errorf("branch panicked: %v", p))
		}
		if !r.status.Terminal() {
			r.fail(errors.New("branch exited without a terminal status"))
		}
		d.recorder.RecordBranch(string(b.Session.Type), string(r.status), time.Since(start))
	}()

	r.begin()
	if b.Model == nil {
		r.fail(fmt.Errorf("no model selected for participant %q", b.Participant))
		return
	}

	switch b.Session.Type {
	case arena.SessionASR:
		r.transcribe(runCtx)
	case arena.SessionTTS:
		r.synthesize(runCtx)
	default:
		r.chat(runCtx)
	}
}

// run 是一次 Drive 的可变状态，只在分支自己的 goroutine 中访问
type run struct {
	d      *Driver
	cfg    Config
	b      Branch
	emit   Emitter
	span   trace.Span
	logger *zap.Logger
	cancel context.CancelFunc

	persistTo context.Context
	status    arena.MessageStatus
	content   strings.Builder
	meta      map[string]any
	provider  string
	fragments int
	gone      bool
	flush     *rate.Sometimes
}

func (r *run) begin() {
	r.status = arena.StatusStreaming
	st := arena.StatusStreaming
	r.persist(arena.MessageUpdate{Status: &st}, "start")
}

// chat 是流式文本分支：逐片段发帧，按节奏落库
func (r *run) chat(ctx context.Context) {
	code := r.b.Model.Code
	provider, err := r.d.router.Chat(code)
	if err != nil {
		r.fail(err)
		return
	}
	r.provider = provider.Name()

	user, resolved := r.b.attachments.resolve(ctx, r)

	hist, err := r.d.history.Load(ctx, r.b.Session.ID, history.LoadOptions{
		Participant:    r.b.Participant,
		BeforePosition: user.Position,
		ExcludeIDs:     []string{user.ID, r.b.Assistant.ID},
	})
	if err != nil {
		r.fail(err)
		return
	}

	req := &llm.ChatRequest{
		TraceID:      r.traceID(),
		Model:        code,
		SystemPrompt: r.cfg.SystemPrompt,
		History:      hist,
		Prompt:       resolved.Prompt,
		Attachments:  llm.Attachments{ImageURL: resolved.ImageURL},
		MaxTokens:    r.cfg.MaxTokens,
		Temperature:  r.cfg.Temperature,
	}

	chunks, err := provider.Stream(ctx, req)
	if err != nil {
		r.fail(err)
		return
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			r.fail(chunk.Err)
			return
		}
		if chunk.Content == "" {
			continue
		}
		r.content.WriteString(chunk.Content)
		r.fragments++
		r.send(arena.TokenFrame(r.b.Participant, chunk.Content))
		r.flush.Do(r.checkpoint)
	}
	if err := ctx.Err(); err != nil {
		r.fail(interrupted(err))
		return
	}
	r.succeed(arena.MessageUpdate{}, nil)
}

// transcribe 是 ASR 分支：一次调用，整段转写作为一个 token 帧
func (r *run) transcribe(ctx context.Context) {
	code := r.b.Model.Code
	provider, err := r.d.router.ASR(code)
	if err != nil {
		r.fail(err)
		return
	}
	r.provider = provider.Name()

	user := r.b.User
	if user.AudioPath == "" {
		r.fail(errors.New("user message has no audio to transcribe"))
		return
	}
	text, err := provider.Transcribe(ctx, &llm.TranscribeRequest{
		Model:     code,
		AudioPath: user.AudioPath,
		Language:  user.Language,
	})
	if err != nil {
		r.fail(r.orInterrupted(ctx, err))
		return
	}
	// 空转写也是结果，照常发 token 帧
	r.content.WriteString(text)
	r.succeed(arena.MessageUpdate{}, &text)
}

// synthesize 是 TTS 分支；学术模式先发放 prompt
func (r *run) synthesize(ctx context.Context) {
	code := r.b.Model.Code
	provider, err := r.d.router.TTS(code)
	if err != nil {
		r.fail(err)
		return
	}
	r.provider = provider.Name()

	user := r.b.User
	text := user.Content
	if r.b.Session.Mode == arena.ModeAcademic {
		p, first, err := r.b.prompts.take(func() (*arena.AcademicPrompt, bool, error) {
			return r.borrowPrompt(ctx)
		})
		if err != nil {
			r.fail(err)
			return
		}
		text = p.Text
		if first {
			r.send(arena.Frame{
				Participant: r.b.Participant,
				Kind:        arena.FramePrompt,
				Prompt:      &arena.PromptPayload{Text: p.Text, Language: p.Language, PromptID: p.ID},
			})
		}
	}
	if strings.TrimSpace(text) == "" {
		r.fail(errors.New("nothing to synthesize"))
		return
	}

	key := path.Join("tts", r.b.Session.ID, r.b.Assistant.ID+"."+r.cfg.TTSFormat)
	res, err := provider.Synthesize(ctx, &llm.SynthesizeRequest{
		Model:      code,
		Text:       text,
		Language:   user.Language,
		StorageKey: key,
	})
	if err != nil {
		r.fail(r.orInterrupted(ctx, err))
		return
	}

	audio := res.StoragePath
	url := r.playableURL(ctx, audio)
	r.succeed(arena.MessageUpdate{AudioPath: &audio}, &url)
}

// playableURL 优先返回签名链接，失败时退回存储路径
func (r *run) playableURL(ctx context.Context, storagePath string) string {
	if r.d.signer == nil || storagePath == "" {
		return storagePath
	}
	url, err := r.d.signer.SignURL(ctx, storagePath)
	if err != nil {
		r.logger.Warn("failed to sign synthesized audio", zap.Error(err))
		return storagePath
	}
	return url
}

// =============================================================================
// 🏁 终态
// =============================================================================

// succeed 落库最终内容与 success，然后发出整段结果帧（result 非 nil 时）和 done 帧
func (r *run) succeed(upd arena.MessageUpdate, result *string) {
	if r.status.Terminal() {
		return
	}
	r.status = arena.StatusSuccess
	content := r.content.String()
	st := arena.StatusSuccess
	upd.Content = &content
	upd.Status = &st
	r.persist(upd, "finalize")
	r.touch()

	r.span.SetAttributes(attribute.Int("arena.fragments", r.fragments))
	r.span.SetStatus(codes.Ok, "")
	r.logger.Info("branch completed",
		zap.Int("fragments", r.fragments),
		zap.Int("content_len", len(content)))

	if result != nil {
		r.send(arena.TokenFrame(r.b.Participant, *result))
	}
	r.send(arena.DoneFrame(r.b.Participant))
}

// fail 落库已累积的内容与 error，记录原始错误，发出 error 帧。内容不回滚。
func (r *run) fail(err error) {
	if r.status.Terminal() {
		return
	}
	model := ""
	if r.b.Model != nil {
		model = r.b.Model.Code
	}
	perr := llm.NormalizeError(err, model, r.provider)
	if perr.Code != llm.ErrCanceled && perr.Provider != "" {
		r.d.recorder.RecordProviderError(perr.Provider, perr.PolicyViolation)
	}

	r.status = arena.StatusError
	content := r.content.String()
	st := arena.StatusError
	meta := r.meta
	meta[arena.MetaError] = perr.Message
	r.persist(arena.MessageUpdate{Content: &content, Status: &st, Metadata: meta}, "finalize")
	r.touch()

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, perr.Message)
	r.logger.Warn("branch failed",
		zap.String("code", string(perr.Code)),
		zap.Bool("policy_violation", perr.PolicyViolation),
		zap.Int("fragments", r.fragments),
		zap.Error(err))

	r.send(arena.ErrorFrame(r.b.Participant, userMessage(err, perr)))
}

func userMessage(err error, perr *llm.Error) string {
	if errors.Is(err, arena.ErrNoPrompt) {
		return NoPromptMessage
	}
	return perr.UserMessage()
}

// interrupted 把 ctx 错误换成可读原因，保留原始错误供 errors.Is 判断
func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("branch timed out: %w", err)
	}
	return fmt.Errorf("client disconnected: %w", err)
}

func (r *run) orInterrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return interrupted(ctx.Err())
	}
	return err
}

// =============================================================================
// 💾 落库与发帧
// =============================================================================

func (r *run) checkpoint() {
	content := r.content.String()
	r.persist(arena.MessageUpdate{Content: &content}, "checkpoint")
}

func (r *run) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.persistTo, r.cfg.PersistTimeout)
}

// persist 写入失败只记录，不中断流
func (r *run) persist(upd arena.MessageUpdate, op string) {
	ctx, cancel := r.persistContext()
	defer cancel()
	if err := r.d.store.UpdateMessage(ctx, r.b.Assistant.ID, upd); err != nil {
		r.d.recorder.RecordPersistFailure(op)
		r.logger.Warn("failed to persist assistant message", zap.String("op", op), zap.Error(err))
	}
}

func (r *run) touch() {
	ctx, cancel := r.persistContext()
	defer cancel()
	if err := r.d.store.TouchSession(ctx, r.b.Session.ID); err != nil {
		r.d.recorder.RecordPersistFailure("touch_session")
		r.logger.Debug("failed to touch session", zap.Error(err))
	}
}

// send 下游断开后丢弃后续帧；未开启 detach 时同时取消上游
func (r *run) send(f arena.Frame) {
	if r.gone {
		return
	}
	if r.emit(f) {
		return
	}
	r.gone = true
	if r.cfg.DetachOnDisconnect {
		r.logger.Info("client gone, finishing branch in background")
		return
	}
	r.logger.Info("client gone, cancelling branch")
	r.cancel()
}

func (r *run) traceID() string {
	if sc := r.span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return r.b.Assistant.ID
}
