package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常放行
	StateClosed State = iota
	// StateOpen 熔断中，直接拒绝
	StateOpen
	// StateHalfOpen 试探性放行少量请求
	StateHalfOpen
)

// String 返回用于日志与指标标签的名字
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome 一次调用对熔断器的影响
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeIgnore 不计入统计，例如调用方取消、请求参数错误
	OutcomeIgnore
)

// 错误定义
var (
	ErrOpen         = errors.New("circuit breaker is open")
	ErrHalfOpenBusy = errors.New("circuit breaker is half-open and probe slots are taken")
)

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值，0 表示禁用熔断
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// ResetTimeout Open 到 HalfOpen 的等待时间
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	// HalfOpenMaxCalls 半开状态下同时放行的试探请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Enabled 阈值为正才启用
func (c Config) Enabled() bool { return c.Threshold > 0 }

// Breaker 按连续失败计数的熔断器，并发安全
type Breaker struct {
	name     string
	cfg      Config
	classify func(error) Outcome
	observe  func(name string, from, to State)
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// Option 配置 Breaker
type Option func(*Breaker)

// WithClassifier 自定义错误分类，默认任何非 nil 错误都算失败
func WithClassifier(fn func(error) Outcome) Option {
	return func(b *Breaker) { b.classify = fn }
}

// WithObserver 注册状态变更回调，回调在锁外同步执行
func WithObserver(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.observe = fn }
}

func withClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New 创建熔断器。name 出现在日志与回调里，通常是厂商名。
func New(name string, cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("name", name)),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.classify == nil {
		b.classify = func(err error) Outcome {
			if err == nil {
				return OutcomeSuccess
			}
			return OutcomeFailure
		}
	}
	return b
}

// Name 返回熔断器名字
func (b *Breaker) Name() string { return b.name }

// State 返回当前状态。Open 超过 ResetTimeout 后在下一次 Allow 时才转为 HalfOpen。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow 判断是否放行。放行后必须调用一次 Record。
func (b *Breaker) Allow() error {
	if !b.cfg.Enabled() {
		return nil
	}
	b.mu.Lock()
	from := b.state
	var err error
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			err = ErrOpen
			break
		}
		b.state = StateHalfOpen
		b.probes = 1
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMaxCalls {
			err = ErrHalfOpenBusy
			break
		}
		b.probes++
	}
	to := b.state
	b.mu.Unlock()

	b.transition(from, to)
	return err
}

// Record 记录一次放行调用的结果
func (b *Breaker) Record(err error) {
	if !b.cfg.Enabled() {
		return
	}
	outcome := b.classify(err)

	b.mu.Lock()
	from := b.state
	switch outcome {
	case OutcomeSuccess:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.probes = 0
		}
	case OutcomeFailure:
		b.failures++
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.Threshold {
				b.open()
			}
		case StateHalfOpen:
			b.open()
		}
	case OutcomeIgnore:
		if b.state == StateHalfOpen && b.probes > 0 {
			b.probes--
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if outcome == OutcomeFailure && from == StateClosed && to == StateOpen {
		b.logger.Warn("circuit opened", zap.Int("consecutive_failures", failures), zap.Error(err))
	}
	b.transition(from, to)
}

// Reset 手动恢复到 Closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.mu.Unlock()
	b.transition(from, StateClosed)
}

// open 调用方持有锁
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probes = 0
}

func (b *Breaker) transition(from, to State) {
	if from == to {
		return
	}
	b.logger.Info("circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if b.observe != nil {
		b.observe(b.name, from, to)
	}
}

// Call 在熔断保护下执行 fn
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// CallWithResult is the typed variant of Call.
func CallWithResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.Record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}
