// 脚本化的模型提供者测试替身。
//
// 支持按片段流式输出、片段间延迟、启动错误与中途错误注入。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/arena/llm"
)

// --- MockChatProvider ---

// MockChatProvider 是 llm.ChatProvider 的脚本化实现
type MockChatProvider struct {
	mu sync.Mutex

	name      string
	fragments []string
	delay     time.Duration
	startErr  error
	failAt    int // 发出 failAt 个片段后注入 failErr；<0 表示不注入
	failErr   *llm.Error
	started   chan struct{}
	release   chan struct{}
	streamFn  func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
	calls     []*llm.ChatRequest
	cancelled bool
}

// NewMockChatProvider 创建新的 MockChatProvider
func NewMockChatProvider(fragments ...string) *MockChatProvider {
	return &MockChatProvider{
		name:      "mock",
		fragments: fragments,
		failAt:    -1,
	}
}

// WithName 设置提供者名称
func (m *MockChatProvider) WithName(name string) *MockChatProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithDelay 设置每个片段之前的延迟
func (m *MockChatProvider) WithDelay(d time.Duration) *MockChatProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithStartError 让 Stream 直接返回错误
func (m *MockChatProvider) WithStartError(err error) *MockChatProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
	return m
}

// WithErrorAfter 在发出 n 个片段后以 err 终止流
func (m *MockChatProvider) WithErrorAfter(n int, err *llm.Error) *MockChatProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt = n
	m.failErr = err
	return m
}

// WithGate 让流在发出第一个片段前阻塞，直到 release 关闭。started 在流开始时关闭。
func (m *MockChatProvider) WithGate(started chan struct{}, release chan struct{}) *MockChatProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = started
	m.release = release
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockChatProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)) *MockChatProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFn = fn
	return m
}

// Name 返回 Provider 名称
func (m *MockChatProvider) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Stream 按脚本输出片段
func (m *MockChatProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if m.startErr != nil {
		err := m.startErr
		m.mu.Unlock()
		return nil, err
	}
	if m.streamFn != nil {
		fn := m.streamFn
		m.mu.Unlock()
		return fn(ctx, req)
	}
	fragments := append([]string(nil), m.fragments...)
	delay, failAt, failErr := m.delay, m.failAt, m.failErr
	started, release := m.started, m.release
	name := m.name
	m.mu.Unlock()

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		if started != nil {
			close(started)
		}
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				m.markCancelled()
				return
			}
		}

		for i, frag := range fragments {
			if failAt >= 0 && i == failAt {
				break
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					m.markCancelled()
					return
				}
			}
			select {
			case ch <- llm.StreamChunk{Provider: name, Model: req.Model, Content: frag}:
			case <-ctx.Done():
				m.markCancelled()
				return
			}
		}

		if failAt >= 0 && failErr != nil {
			select {
			case ch <- llm.StreamChunk{Provider: name, Model: req.Model, Err: failErr}:
			case <-ctx.Done():
				m.markCancelled()
			}
			return
		}
		select {
		case ch <- llm.StreamChunk{Provider: name, Model: req.Model, FinishReason: "stop"}:
		case <-ctx.Done():
			m.markCancelled()
		}
	}()
	return ch, nil
}

func (m *MockChatProvider) markCancelled() {
	m.mu.Lock()
	m.cancelled = true
	m.mu.Unlock()
}

// Calls 返回收到的请求
func (m *MockChatProvider) Calls() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.ChatRequest(nil), m.calls...)
}

// LastRequest 返回最后一次请求，没有调用时为 nil
func (m *MockChatProvider) LastRequest() *llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// Cancelled 报告流是否因 ctx 取消而提前退出
func (m *MockChatProvider) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// --- MockASRProvider ---

// MockASRProvider 是 llm.ASRProvider 的模拟实现
type MockASRProvider struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []*llm.TranscribeRequest
}

// NewMockASRProvider 创建返回固定转写文本的 ASR 模拟
func NewMockASRProvider(text string) *MockASRProvider {
	return &MockASRProvider{text: text}
}

// WithError 设置返回错误
func (m *MockASRProvider) WithError(err error) *MockASRProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MockASRProvider) Name() string { return "mock-asr" }

func (m *MockASRProvider) Transcribe(ctx context.Context, req *llm.TranscribeRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return "", m.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.text, nil
}

// CallCount 返回调用次数
func (m *MockASRProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- MockTTSProvider ---

// MockTTSProvider 是 llm.TTSProvider 的模拟实现。
// 成功时 StoragePath 等于请求的 StorageKey 加上 prefix。
type MockTTSProvider struct {
	mu     sync.Mutex
	prefix string
	err    error
	calls  []*llm.SynthesizeRequest
}

// NewMockTTSProvider 创建 TTS 模拟
func NewMockTTSProvider(prefix string) *MockTTSProvider {
	return &MockTTSProvider{prefix: prefix}
}

// WithError 设置返回错误
func (m *MockTTSProvider) WithError(err error) *MockTTSProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MockTTSProvider) Name() string { return "mock-tts" }

func (m *MockTTSProvider) Synthesize(ctx context.Context, req *llm.SynthesizeRequest) (*llm.SynthesizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	return &llm.SynthesizeResult{
		Audio:       []byte("audio:" + req.Text),
		Format:      "mp3",
		StoragePath: m.prefix + req.StorageKey,
	}, nil
}

// Calls 返回收到的请求
func (m *MockTTSProvider) Calls() []*llm.SynthesizeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.SynthesizeRequest(nil), m.calls...)
}
