package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// 统一的 LLM 错误码，用于对齐 HTTP 状态与用户可见消息。
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"      // 参数/格式错误
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"         // 未授权或密钥失效
	ErrForbidden           ErrorCode = "LLM_FORBIDDEN"            // 权限或内容策略拒绝
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"         // 上游或本地限流
	ErrQuotaExceeded       ErrorCode = "LLM_QUOTA_EXCEEDED"       // 额度/配额用尽
	ErrContentFiltered     ErrorCode = "LLM_CONTENT_FILTERED"     // 命中内容安全
	ErrRoutingUnavailable  ErrorCode = "LLM_ROUTING_UNAVAILABLE"  // 无可用 Provider/模型
	ErrModelOverloaded     ErrorCode = "LLM_MODEL_OVERLOADED"     // 模型过载
	ErrUpstreamTimeout     ErrorCode = "LLM_UPSTREAM_TIMEOUT"     // 上游超时
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"       // 上游 5xx/网络错误
	ErrProviderUnavailable ErrorCode = "LLM_PROVIDER_UNAVAILABLE" // Provider 不可用
	ErrCanceled            ErrorCode = "LLM_CANCELED"             // 调用方取消
)

// 用户可见消息
const (
	PolicyViolationMessage = "Your prompt violates the provider's content policy and was rejected."
	GenericProviderMessage = "The model provider failed to generate a response. Please try again."
)

// Error 是所有 Provider 适配器对外暴露的唯一错误形态。
// Message 保留厂商原始信息用于日志与持久化，UserMessage 给终端用户看。
type Error struct {
	Code            ErrorCode `json:"code"`
	Message         string    `json:"message"`
	HTTPStatus      int       `json:"http_status"`
	Retryable       bool      `json:"retryable"`
	Provider        string    `json:"provider,omitempty"`
	Model           string    `json:"model,omitempty"`
	PolicyViolation bool      `json:"policy_violation,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
	Method          string    `json:"method,omitempty"`
	URL             string    `json:"url,omitempty"`
	Cause           error     `json:"-"`
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

// UserMessage returns the message safe to show in a stream's error frame.
func (e *Error) UserMessage() string {
	if e.PolicyViolation {
		return PolicyViolationMessage
	}
	return GenericProviderMessage
}

// WithRequest records the outbound request coordinates for the error log.
func (e *Error) WithRequest(req *http.Request, resp *http.Response) *Error {
	if req != nil {
		e.Method = req.Method
		if req.URL != nil {
			e.URL = req.URL.Redacted()
		}
	}
	if resp != nil {
		if e.HTTPStatus == 0 {
			e.HTTPStatus = resp.StatusCode
		}
		e.RequestID = requestIDFrom(resp.Header)
	}
	return e
}

var requestIDHeaders = []string{"X-Request-Id", "Request-Id", "Anthropic-Request-Id", "X-Goog-Request-Id", "Dg-Request-Id", "Cf-Ray"}

func requestIDFrom(h http.Header) string {
	for _, k := range requestIDHeaders {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// 厂商内容安全拒绝的特征子串（小写）
var policySignals = []string{
	"content_policy_violation",
	"content policy",
	"content_filter",
	"content management policy",
	"safety",
	"responsible ai",
	"flagged",
	"moderation",
	"violates our usage policies",
	"prohibited_content",
}

// IsPolicyViolation reports whether a vendor error denotes a prompt rejected by content policy.
func IsPolicyViolation(code ErrorCode, message string) bool {
	if code == ErrContentFiltered {
		return true
	}
	msg := strings.ToLower(message)
	for _, s := range policySignals {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// NormalizeError 把任意错误转换成 *Error，并补齐模型/厂商/策略标记。
// 已经是 *Error 的保留原有字段。
func NormalizeError(err error, model, provider string) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		out := *le
		if out.Model == "" {
			out.Model = model
		}
		if out.Provider == "" {
			out.Provider = provider
		}
		if !out.PolicyViolation {
			out.PolicyViolation = IsPolicyViolation(out.Code, out.Message)
		}
		if out.PolicyViolation {
			out.Code = ErrContentFiltered
		}
		return &out
	}

	out := &Error{
		Code:     ErrUpstreamError,
		Message:  err.Error(),
		Provider: provider,
		Model:    model,
		Cause:    err,
	}
	switch {
	case errors.Is(err, context.Canceled):
		out.Code = ErrCanceled
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = ErrUpstreamTimeout
		out.Retryable = true
	default:
		out.PolicyViolation = IsPolicyViolation(out.Code, out.Message)
		if out.PolicyViolation {
			out.Code = ErrContentFiltered
		}
	}
	return out
}

// Errorf builds an upstream error with a formatted message.
func Errorf(provider string, format string, args ...any) *Error {
	return &Error{
		Code:       ErrUpstreamError,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadGateway,
		Provider:   provider,
	}
}
