package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy 指数退避重试策略
type Policy struct {
	// MaxRetries 最大重试次数，0 表示不重试
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// Multiplier 每次重试延迟的倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// Jitter 在延迟上叠加 ±25% 随机抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// DefaultPolicy 返回默认策略，只覆盖建立连接阶段的短暂抖动
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = max(def.MaxDelay, p.InitialDelay)
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Retryer 按策略重试函数调用，并发安全
type Retryer struct {
	policy  Policy
	retryIf func(error) bool
	onRetry func(attempt int, err error, delay time.Duration)
	logger  *zap.Logger
}

// Option 配置 Retryer
type Option func(*Retryer)

// WithRetryIf 只有 fn 返回 true 的错误才重试，默认重试所有错误
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retryer) { r.retryIf = fn }
}

// WithOnRetry 每次重试等待前回调
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retryer) { r.onRetry = fn }
}

// New 创建重试器
func New(policy Policy, logger *zap.Logger, opts ...Option) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retryer{policy: policy.normalized(), logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	if r.retryIf == nil {
		r.retryIf = func(error) bool { return true }
	}
	return r
}

// Policy 返回规范化后的策略
func (r *Retryer) Policy() Policy { return r.policy }

// Do 执行 fn，可重试错误按指数退避重试；ctx 结束时返回 ctx.Err()。
// 重试耗尽后原样返回最后一次错误。
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the typed variant of Retryer.Do.
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.onRetry != nil {
				r.onRetry(attempt, lastErr, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil || !r.retryIf(err) {
			return zero, err
		}
	}

	if r.policy.MaxRetries > 0 {
		r.logger.Warn("retries exhausted",
			zap.Int("attempts", r.policy.MaxRetries+1),
			zap.Error(lastErr),
		)
	}
	return zero, lastErr
}

// delay = initial * multiplier^(attempt-1)，封顶 MaxDelay，抖动后不低于 InitialDelay
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := d * 0.25
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}
