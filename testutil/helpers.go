package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/llm"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertMessagesEqual 断言两个上下文消息切片相等
func AssertMessagesEqual(t *testing.T, expected, actual []llm.Message) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Errorf("message count mismatch: expected %d, got %d", len(expected), len(actual))
		return
	}
	for i := range expected {
		if expected[i].Role != actual[i].Role {
			t.Errorf("message[%d] role mismatch: expected %q, got %q", i, expected[i].Role, actual[i].Role)
		}
		if expected[i].Content != actual[i].Content {
			t.Errorf("message[%d] content mismatch: expected %q, got %q", i, expected[i].Content, actual[i].Content)
		}
	}
}

// =============================================================================
// ⏱️ 通道辅助
// =============================================================================

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🎭 帧辅助
// =============================================================================

// FramesFor 过滤出某个分支的帧
func FramesFor(frames []arena.Frame, p arena.Participant) []arena.Frame {
	var out []arena.Frame
	for _, f := range frames {
		if f.Participant == p {
			out = append(out, f)
		}
	}
	return out
}

// TokenText 拼接帧序列中的 token 文本
func TokenText(frames []arena.Frame) string {
	var sb strings.Builder
	for _, f := range frames {
		if f.Kind == arena.FrameToken {
			sb.WriteString(f.Text)
		}
	}
	return sb.String()
}
