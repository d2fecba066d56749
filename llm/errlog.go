package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrorRecord 是写入错误日志的一条结构化记录
type ErrorRecord struct {
	Provider        string
	Model           string
	Code            ErrorCode
	Message         string
	HTTPStatus      int
	RequestID       string
	Method          string
	URL             string
	PolicyViolation bool
	OccurredAt      time.Time
}

// RecordFromError snapshots an *Error for the log sink.
func RecordFromError(e *Error) ErrorRecord {
	return ErrorRecord{
		Provider:        e.Provider,
		Model:           e.Model,
		Code:            e.Code,
		Message:         e.Message,
		HTTPStatus:      e.HTTPStatus,
		RequestID:       e.RequestID,
		Method:          e.Method,
		URL:             e.URL,
		PolicyViolation: e.PolicyViolation,
		OccurredAt:      time.Now(),
	}
}

// ErrorSink 接收 Provider 错误详情。实现可以失败，但调用方不会关心结果。
type ErrorSink interface {
	WriteError(ctx context.Context, rec ErrorRecord) error
}

// ErrorReporter 非阻塞投递错误记录
type ErrorReporter interface {
	Report(rec ErrorRecord)
}

// =============================================================================
// 📮 异步错误日志
// =============================================================================

// AsyncErrorLog 用有界队列 + 单个 worker 把记录写入 Sink。
// 队列满时直接丢弃新记录，Report 永不阻塞调用方。
type AsyncErrorLog struct {
	sink    ErrorSink
	logger  *zap.Logger
	queue   chan ErrorRecord
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncErrorLog starts the background writer. Call Close to drain it.
func NewAsyncErrorLog(sink ErrorSink, buffer int, logger *zap.Logger) *AsyncErrorLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	l := &AsyncErrorLog{
		sink:    sink,
		logger:  logger.With(zap.String("component", "provider_error_log")),
		queue:   make(chan ErrorRecord, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Report enqueues a record, dropping it when the queue is full or the log is closed.
func (l *AsyncErrorLog) Report(rec ErrorRecord) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.dropped.Add(1)
	}
}

func (l *AsyncErrorLog) run() {
	defer close(l.done)
	for rec := range l.queue {
		l.write(rec)
	}
}

func (l *AsyncErrorLog) write(rec ErrorRecord) {
	defer func() {
		if r := recover(); r != nil {
			l.failed.Add(1)
			l.logger.Warn("error sink panicked", zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.sink.WriteError(ctx, rec); err != nil {
		l.failed.Add(1)
		l.logger.Debug("failed to write provider error log", zap.Error(err))
	}
}

// Close stops accepting records and waits for the queue to drain.
func (l *AsyncErrorLog) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
}

// Dropped returns how many records were discarded on overflow.
func (l *AsyncErrorLog) Dropped() int64 { return l.dropped.Load() }

// Failed returns how many sink writes failed.
func (l *AsyncErrorLog) Failed() int64 { return l.failed.Load() }

// ZapErrorSink 直接把记录写进日志
type ZapErrorSink struct {
	Logger *zap.Logger
}

func (s ZapErrorSink) WriteError(_ context.Context, rec ErrorRecord) error {
	s.Logger.Warn("provider error",
		zap.String("provider", rec.Provider),
		zap.String("model", rec.Model),
		zap.String("code", string(rec.Code)),
		zap.String("message", rec.Message),
		zap.Int("http_status", rec.HTTPStatus),
		zap.String("request_id", rec.RequestID),
		zap.String("method", rec.Method),
		zap.String("url", rec.URL),
		zap.Bool("policy_violation", rec.PolicyViolation),
	)
	return nil
}

// MultiSink 依次写入多个 Sink，返回第一个错误
type MultiSink []ErrorSink

func (m MultiSink) WriteError(ctx context.Context, rec ErrorRecord) error {
	var first error
	for _, s := range m {
		if err := s.WriteError(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
