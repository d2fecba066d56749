package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/arena/llm/circuitbreaker"
	"github.com/BaSui01/arena/llm/retry"
	"go.uber.org/zap"
)

// Kind 区分三类模型命名空间
type Kind string

const (
	KindChat Kind = "chat"
	KindASR  Kind = "asr"
	KindTTS  Kind = "tts"
)

type route[T any] struct {
	prefix   string
	provider T
}

// routeTable 按前缀长度降序保存，第一个命中即最长前缀
type routeTable[T any] struct {
	routes []route[T]
}

func (t *routeTable[T]) add(p T, prefixes ...string) {
	for _, prefix := range prefixes {
		prefix = strings.ToLower(strings.TrimSpace(prefix))
		if prefix == "" {
			continue
		}
		replaced := false
		for i := range t.routes {
			if t.routes[i].prefix == prefix {
				t.routes[i].provider = p
				replaced = true
				break
			}
		}
		if !replaced {
			t.routes = append(t.routes, route[T]{prefix: prefix, provider: p})
		}
	}
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].prefix) > len(t.routes[j].prefix)
	})
}

func (t *routeTable[T]) match(model string) (T, bool) {
	code := strings.ToLower(model)
	for _, r := range t.routes {
		if strings.HasPrefix(code, r.prefix) {
			return r.provider, true
		}
	}
	var zero T
	return zero, false
}

func (t *routeTable[T]) prefixes() []string {
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.prefix)
	}
	sort.Strings(out)
	return out
}

// Registry 把模型 code 映射到具体的 Provider 适配器。
// 注册时每个适配器都会被包一层，统一错误形态、异步上报错误日志，
// 并按配置加上建连重试与熔断。
type Registry struct {
	mu       sync.RWMutex
	chat     routeTable[ChatProvider]
	asr      routeTable[ASRProvider]
	tts      routeTable[TTSProvider]
	reporter ErrorReporter

	retryPolicy *retry.Policy
	breakerCfg  *circuitbreaker.Config
	observer    ResilienceObserver
	logger      *zap.Logger
}

// ResilienceObserver 接收重试与熔断事件，由 *metrics.Collector 实现
type ResilienceObserver interface {
	RecordProviderRetry(provider string)
	RecordCircuitState(provider, state string)
}

// RegistryOption 配置 Registry
type RegistryOption func(*Registry)

// WithRetry 对建立连接阶段的可重试错误做指数退避重试。
// 已经开始输出的流不会重试。
func WithRetry(p retry.Policy) RegistryOption {
	return func(r *Registry) { r.retryPolicy = &p }
}

// WithCircuitBreaker 为每个注册的适配器配一个熔断器
func WithCircuitBreaker(cfg circuitbreaker.Config) RegistryOption {
	return func(r *Registry) { r.breakerCfg = &cfg }
}

// WithResilienceObserver 注册重试与熔断观察者
func WithResilienceObserver(o ResilienceObserver) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithLogger sets the logger used by retry and breaker components.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry. reporter may be nil.
func NewRegistry(reporter ErrorReporter, opts ...RegistryOption) *Registry {
	r := &Registry{reporter: reporter, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterChat routes every model code starting with one of prefixes to p.
func (r *Registry) RegisterChat(p ChatProvider, prefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat.add(&guardedChat{inner: p, guard: r.newGuard(KindChat, p.Name())}, prefixes...)
}

// RegisterASR routes ASR model codes to p.
func (r *Registry) RegisterASR(p ASRProvider, prefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr.add(&guardedASR{inner: p, guard: r.newGuard(KindASR, p.Name())}, prefixes...)
}

// RegisterTTS routes TTS model codes to p.
func (r *Registry) RegisterTTS(p TTSProvider, prefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.add(&guardedTTS{inner: p, guard: r.newGuard(KindTTS, p.Name())}, prefixes...)
}

// Chat resolves the chat adapter for a model code.
func (r *Registry) Chat(model string) (ChatProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.chat.match(model); ok {
		return p, nil
	}
	return nil, unroutable(KindChat, model)
}

// ASR resolves the transcription adapter for a model code.
func (r *Registry) ASR(model string) (ASRProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.asr.match(model); ok {
		return p, nil
	}
	return nil, unroutable(KindASR, model)
}

// TTS resolves the synthesis adapter for a model code.
func (r *Registry) TTS(model string) (TTSProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.tts.match(model); ok {
		return p, nil
	}
	return nil, unroutable(KindTTS, model)
}

// Prefixes lists registered prefixes for one namespace.
func (r *Registry) Prefixes(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case KindASR:
		return r.asr.prefixes()
	case KindTTS:
		return r.tts.prefixes()
	default:
		return r.chat.prefixes()
	}
}

func unroutable(kind Kind, model string) *Error {
	return &Error{
		Code:       ErrRoutingUnavailable,
		Message:    fmt.Sprintf("no %s provider registered for model %q", kind, model),
		HTTPStatus: http.StatusNotFound,
		Model:      model,
	}
}

// =============================================================================
// 🛡️ 错误归一化、重试与熔断包装
// =============================================================================

func report(reporter ErrorReporter, e *Error) {
	if reporter == nil || e == nil || e.Code == ErrCanceled {
		return
	}
	reporter.Report(RecordFromError(e))
}

// guard 是单个适配器的保护层，breaker / retryer 为 nil 表示未启用
type guard struct {
	provider string
	reporter ErrorReporter
	breaker  *circuitbreaker.Breaker
	retryer  *retry.Retryer
}

func (r *Registry) newGuard(kind Kind, provider string) *guard {
	g := &guard{provider: provider, reporter: r.reporter}
	obs := r.observer
	if r.retryPolicy != nil && r.retryPolicy.MaxRetries > 0 {
		opts := []retry.Option{retry.WithRetryIf(retryable)}
		if obs != nil {
			opts = append(opts, retry.WithOnRetry(func(int, error, time.Duration) {
				obs.RecordProviderRetry(provider)
			}))
		}
		g.retryer = retry.New(*r.retryPolicy, r.logger.With(zap.String("provider", provider)), opts...)
	}
	if r.breakerCfg != nil && r.breakerCfg.Enabled() {
		opts := []circuitbreaker.Option{circuitbreaker.WithClassifier(classify)}
		if obs != nil {
			opts = append(opts, circuitbreaker.WithObserver(func(name string, _, to circuitbreaker.State) {
				obs.RecordCircuitState(name, to.String())
			}))
			obs.RecordCircuitState(provider, circuitbreaker.StateClosed.String())
		}
		g.breaker = circuitbreaker.New(provider, *r.breakerCfg, r.logger.With(zap.String("kind", string(kind))), opts...)
	}
	return g
}

// retryable 只重试厂商标记为可重试的错误（限流、过载、5xx、超时）
func retryable(err error) bool {
	e := NormalizeError(err, "", "")
	return e.Retryable && e.Code != ErrCanceled
}

// classify 请求本身有问题时厂商是健康的；调用方取消不计入统计
func classify(err error) circuitbreaker.Outcome {
	if err == nil {
		return circuitbreaker.OutcomeSuccess
	}
	e := NormalizeError(err, "", "")
	switch e.Code {
	case ErrCanceled:
		return circuitbreaker.OutcomeIgnore
	case ErrInvalidRequest, ErrUnauthorized, ErrForbidden, ErrQuotaExceeded, ErrContentFiltered:
		return circuitbreaker.OutcomeSuccess
	}
	return circuitbreaker.OutcomeFailure
}

// admit 熔断打开时直接拒绝，不上报错误日志
func (g *guard) admit(model string) *Error {
	if g.breaker == nil {
		return nil
	}
	if err := g.breaker.Allow(); err != nil {
		return &Error{
			Code:       ErrProviderUnavailable,
			Message:    fmt.Sprintf("provider %s temporarily unavailable: %v", g.provider, err),
			HTTPStatus: http.StatusServiceUnavailable,
			Retryable:  true,
			Provider:   g.provider,
			Model:      model,
			Cause:      err,
		}
	}
	return nil
}

func (g *guard) record(err error) {
	if g.breaker != nil {
		g.breaker.Record(err)
	}
}

// fail 归一化、计入熔断并上报
func (g *guard) fail(err error, model string) *Error {
	e := NormalizeError(err, model, g.provider)
	g.record(e)
	report(g.reporter, e)
	return e
}

// withRetry 在配置了重试时按策略重试 fn
func withRetry[T any](ctx context.Context, g *guard, fn func(ctx context.Context) (T, error)) (T, error) {
	if g.retryer == nil {
		return fn(ctx)
	}
	return retry.Do(ctx, g.retryer, fn)
}

// call 执行一次受保护的一次性调用
func call[T any](ctx context.Context, g *guard, model string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if e := g.admit(model); e != nil {
		return zero, e
	}
	v, err := withRetry(ctx, g, fn)
	if err != nil {
		return zero, g.fail(err, model)
	}
	g.record(nil)
	return v, nil
}

type guardedChat struct {
	inner ChatProvider
	guard *guard
}

func (g *guardedChat) Name() string { return g.inner.Name() }

// Stream 只有建连阶段走重试，流开始后的错误原样转发并结束。
// 熔断结果在流结束时记录。
func (g *guardedChat) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if e := g.guard.admit(req.Model); e != nil {
		return nil, e
	}
	src, err := withRetry(ctx, g.guard, func(ctx context.Context) (<-chan StreamChunk, error) {
		return g.inner.Stream(ctx, req)
	})
	if err != nil {
		return nil, g.guard.fail(err, req.Model)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for chunk := range src {
			if chunk.Err != nil {
				chunk.Err = g.guard.fail(chunk.Err, req.Model)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// 上游 goroutine 也监听 ctx，会自行退出
				g.guard.record(ctx.Err())
				return
			}
			if chunk.Err != nil {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			g.guard.record(err)
			return
		}
		g.guard.record(nil)
	}()
	return out, nil
}

type guardedASR struct {
	inner ASRProvider
	guard *guard
}

func (g *guardedASR) Name() string { return g.inner.Name() }

func (g *guardedASR) Transcribe(ctx context.Context, req *TranscribeRequest) (string, error) {
	return call(ctx, g.guard, req.Model, func(ctx context.Context) (string, error) {
		return g.inner.Transcribe(ctx, req)
	})
}

type guardedTTS struct {
	inner TTSProvider
	guard *guard
}

func (g *guardedTTS) Name() string { return g.inner.Name() }

func (g *guardedTTS) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResult, error) {
	return call(ctx, g.guard, req.Model, func(ctx context.Context) (*SynthesizeResult, error) {
		return g.inner.Synthesize(ctx, req)
	})
}

// IsProviderUnavailable reports whether err is a fast rejection from an open circuit.
func IsProviderUnavailable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrProviderUnavailable &&
		(errors.Is(e.Cause, circuitbreaker.ErrOpen) || errors.Is(e.Cause, circuitbreaker.ErrHalfOpenBusy))
}
