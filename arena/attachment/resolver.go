package attachment

import (
	"context"
	"errors"
	"strings"

	"github.com/BaSui01/arena/arena"
	"go.uber.org/zap"
)

// 拼接到 prompt 的段落标记
const (
	DocumentHeader      = "\n\n[Attached Document Content]:\n"
	TranscriptionHeader = "\n\n[Audio Transcription]:\n"
	DocumentFailed      = "\n\n[Document processing failed]"
	TranscriptionFailed = "\n\n[Audio Transcription failed]"
)

// URLSigner 为图片生成短期签名链接
type URLSigner interface {
	SignURL(ctx context.Context, key string) (string, error)
}

// Recorder 记录附件解析结果，kind 为 document / audio / image
type Recorder interface {
	RecordAttachment(kind, result string)
}

// 解析结果
const (
	ResultMetadataHit = "metadata_hit"
	ResultCacheHit    = "cache_hit"
	ResultExtracted   = "extracted"
	ResultFailed      = "failed"
	ResultSigned      = "signed"
)

var errNoTranscriber = errors.New("no transcriber configured")

// Resolved 是附件解析后的 prompt 与多模态引用
type Resolved struct {
	Prompt   string
	ImageURL string
}

// Resolver 解析 user 消息上的附件并把结果缓存回消息 metadata。
//
// 检查与回写之间不加锁。并发解析同一条消息时可能重复提取，结果相同，后写覆盖先写；
// 同一回合内由调用方保证只解析一次。
type Resolver struct {
	messages    arena.MessageStore
	docs        DocumentExtractor
	transcriber Transcriber
	signer      URLSigner
	shared      SharedCache
	recorder    Recorder
	logger      *zap.Logger
}

// Option 配置 Resolver
type Option func(*Resolver)

func WithDocumentExtractor(d DocumentExtractor) Option { return func(r *Resolver) { r.docs = d } }
func WithTranscriber(t Transcriber) Option             { return func(r *Resolver) { r.transcriber = t } }
func WithURLSigner(s URLSigner) Option                 { return func(r *Resolver) { r.signer = s } }
func WithSharedCache(c SharedCache) Option             { return func(r *Resolver) { r.shared = c } }
func WithRecorder(rec Recorder) Option                 { return func(r *Resolver) { r.recorder = rec } }

// NewResolver 创建附件解析器
func NewResolver(messages arena.MessageStore, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		messages: messages,
		logger:   logger.With(zap.String("component", "attachment")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 返回拼接了文档/转写文本的 prompt，以及图片签名链接。
// 提取失败降级为文本标记，不会返回错误。
func (r *Resolver) Resolve(ctx context.Context, msg *arena.Message, sessionType arena.SessionType) Resolved {
	var sb strings.Builder
	sb.WriteString(msg.Content)

	meta := msg.CloneMetadata()
	dirty := false

	if msg.DocPath != "" {
		text, fresh, ok := r.lookup(ctx, msg, meta, "document", arena.MetaExtractedText, "doc:"+msg.DocPath,
			func(ctx context.Context) (string, error) {
				if r.docs == nil {
					return "", ErrUnsupportedDocument
				}
				return r.docs.Extract(ctx, msg.DocPath)
			})
		if ok {
			sb.WriteString(DocumentHeader)
			sb.WriteString(text)
			dirty = dirty || fresh
		} else {
			sb.WriteString(DocumentFailed)
		}
	}

	// ASR 会话中音频本身就是待转写的输入，不作为上下文
	if msg.AudioPath != "" && sessionType == arena.SessionLLM {
		text, fresh, ok := r.lookup(ctx, msg, meta, "audio", arena.MetaTranscription, "audio:"+msg.Language+":"+msg.AudioPath,
			func(ctx context.Context) (string, error) {
				if r.transcriber == nil {
					return "", errNoTranscriber
				}
				return r.transcriber.Transcribe(ctx, msg.AudioPath, msg.Language)
			})
		if ok {
			sb.WriteString(TranscriptionHeader)
			sb.WriteString(text)
			dirty = dirty || fresh
		} else {
			sb.WriteString(TranscriptionFailed)
		}
	}

	if dirty {
		if err := r.messages.UpdateMessage(ctx, msg.ID, arena.MessageUpdate{Metadata: meta}); err != nil {
			r.logger.Warn("failed to cache attachment text",
				zap.String("message_id", msg.ID), zap.Error(err))
		} else {
			msg.Metadata = meta
		}
	}

	out := Resolved{Prompt: sb.String()}
	if msg.ImagePath != "" {
		out.ImageURL = r.signImage(ctx, msg)
	}
	return out
}

// lookup 依次查 metadata、共享缓存，最后调用 produce。
// fresh 表示 meta 被写入了新值，需要回写到消息。
func (r *Resolver) lookup(ctx context.Context, msg *arena.Message, meta map[string]any, kind, metaKey, cacheKey string,
	produce func(context.Context) (string, error)) (text string, fresh bool, ok bool) {

	if v, found := meta[metaKey].(string); found {
		r.record(kind, ResultMetadataHit)
		return v, false, true
	}

	if r.shared != nil {
		v, found, err := r.shared.Get(ctx, cacheKey)
		if err != nil {
			r.logger.Debug("shared cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
		if found {
			r.record(kind, ResultCacheHit)
			meta[metaKey] = v
			return v, true, true
		}
	}

	v, err := produce(ctx)
	if err != nil {
		r.record(kind, ResultFailed)
		r.logger.Warn("attachment processing failed",
			zap.String("kind", kind),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return "", false, false
	}
	r.record(kind, ResultExtracted)
	meta[metaKey] = v

	if r.shared != nil {
		if err := r.shared.Set(ctx, cacheKey, v); err != nil {
			r.logger.Debug("shared cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return v, true, true
}

func (r *Resolver) signImage(ctx context.Context, msg *arena.Message) string {
	if r.signer == nil {
		return ""
	}
	url, err := r.signer.SignURL(ctx, msg.ImagePath)
	if err != nil {
		r.record("image", ResultFailed)
		r.logger.Warn("failed to sign image url",
			zap.String("message_id", msg.ID), zap.Error(err))
		return ""
	}
	r.record("image", ResultSigned)
	return url
}

func (r *Resolver) record(kind, result string) {
	if r.recorder != nil {
		r.recorder.RecordAttachment(kind, result)
	}
}
