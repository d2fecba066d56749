package stream

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/BaSui01/arena/arena"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AbandonedMessage 分支未发终止帧就退出时补发的错误消息
const AbandonedMessage = "The branch ended unexpectedly."

// Producer 是合并器的一路输入
type Producer struct {
	Participant arena.Participant
	Run         func(ctx context.Context, emit Emitter)
}

// =============================================================================
// 🔀 双流合并
// =============================================================================

// Merger 并发运行多个 Producer，把它们的帧按到达顺序交给同一个消费者。
// 分支之间不保证顺序；所有分支都结束后 Merge 才返回。
type Merger struct {
	buffer int
	logger *zap.Logger
}

// NewMerger 创建合并器，buffer 为合并通道容量
func NewMerger(buffer int, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultConfig().Buffer
	}
	return &Merger{buffer: buffer, logger: logger.With(zap.String("component", "merger"))}
}

// Merge 在调用者的 goroutine 中消费帧。sink 返回 false 后不再调用它，
// 但仍然等待并排空所有分支，分支的 emit 从此返回 false。
// 分支 panic 或未发终止帧时补一个 error 帧；返回值汇总 panic 错误。
func (m *Merger) Merge(ctx context.Context, producers []Producer, sink Emitter) error {
	frames := make(chan arena.Frame, m.buffer)
	var gone atomic.Bool

	var g errgroup.Group
	for _, p := range producers {
		g.Go(func() (err error) {
			var finished atomic.Bool
			emit := func(f arena.Frame) bool {
				if f.Terminal() {
					finished.Store(true)
				}
				if gone.Load() {
					return false
				}
				frames <- f
				return !gone.Load()
			}

			defer func() {
				if v := recover(); v != nil {
					err = fmt.Errorf("branch %q panicked: %v", p.Participant, v)
					m.logger.Error("branch panicked",
						zap.String("participant", string(p.Participant)),
						zap.Any("panic", v))
				}
				if !finished.Load() {
					m.logger.Warn("branch exited without a terminal frame",
						zap.String("participant", string(p.Participant)))
					emit(arena.ErrorFrame(p.Participant, AbandonedMessage))
				}
			}()

			p.Run(ctx, emit)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(frames)
	}()

	for f := range frames {
		if gone.Load() {
			continue
		}
		if !sink(f) {
			gone.Store(true)
			m.logger.Debug("consumer gone, draining branches")
		}
	}
	return <-done
}
