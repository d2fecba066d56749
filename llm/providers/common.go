package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/arena/llm"
)

// MapHTTPError 将 HTTP 状态码映射为带有合适重试标记的 llm.Error
// 这是所有提供者使用的通用错误映射函数
func MapHTTPError(status int, msg string, provider string) *llm.Error {
	e := &llm.Error{
		Message:    msg,
		HTTPStatus: status,
		Provider:   provider,
	}
	switch status {
	case http.StatusUnauthorized:
		e.Code = llm.ErrUnauthorized
	case http.StatusForbidden:
		e.Code = llm.ErrForbidden
	case http.StatusTooManyRequests:
		e.Code = llm.ErrRateLimited
		e.Retryable = true
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		// 检查配额/信用关键字
		msgLower := strings.ToLower(msg)
		if strings.Contains(msgLower, "quota") || strings.Contains(msgLower, "credit") {
			e.Code = llm.ErrQuotaExceeded
		} else {
			e.Code = llm.ErrInvalidRequest
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		e.Code = llm.ErrUpstreamError
		e.Retryable = true
	case 529: // Model overloaded (used by some providers)
		e.Code = llm.ErrModelOverloaded
		e.Retryable = true
	default:
		e.Code = llm.ErrUpstreamError
		e.Retryable = status >= 500
	}
	if llm.IsPolicyViolation(e.Code, msg) {
		e.Code = llm.ErrContentFiltered
		e.PolicyViolation = true
		e.Retryable = false
	}
	return e
}

// ResponseError 读取错误响应体并生成带请求信息的 llm.Error
func ResponseError(req *http.Request, resp *http.Response, provider string) *llm.Error {
	msg := ReadErrorMessage(resp.Body)
	return MapHTTPError(resp.StatusCode, msg, provider).WithRequest(req, resp)
}

// TransportError 网络层失败（连接拒绝、超时、TLS）
func TransportError(req *http.Request, err error, provider string) *llm.Error {
	e := &llm.Error{
		Code:       llm.ErrUpstreamError,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
		Cause:      err,
	}
	return e.WithRequest(req, nil)
}

// ReadErrorMessage 读取响应体中的错误消息
// 尝试解析 JSON 错误响应，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	// OpenAI / Anthropic / Mistral 风格 {"error": {...}}，Gemini 同样是 error 对象
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
			Code    any    `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	}

	if err := json.Unmarshal(data, &errResp); err == nil {
		if errResp.Error.Message != "" {
			if errResp.Error.Type != "" {
				return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
			}
			if errResp.Error.Status != "" {
				return fmt.Sprintf("%s (status: %s)", errResp.Error.Message, errResp.Error.Status)
			}
			return errResp.Error.Message
		}
		if errResp.Message != "" {
			return errResp.Message
		}
		if s, ok := errResp.Detail.(string); ok && s != "" {
			return s
		}
	}

	// 回退到原始文本
	return strings.TrimSpace(string(data))
}

// ChooseModel 按 请求 > 配置 > 默认 的优先级选择模型
func ChooseModel(req *llm.ChatRequest, configModel, defaultModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if configModel != "" {
		return configModel
	}
	return defaultModel
}

// BearerTokenHeaders 默认鉴权头
func BearerTokenHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
}

// SafeCloseBody drains and closes a response body.
func SafeCloseBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	_ = body.Close()
}

// Endpoint joins base URL and path.
func Endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

// =============================================================================
// OpenAI 兼容 API 通用类型
// =============================================================================

// OpenAICompatContentPart 多模态内容片段
type OpenAICompatContentPart struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	ImageURL *OpenAICompatImageURL `json:"image_url,omitempty"`
}

// OpenAICompatImageURL 内嵌图片引用
type OpenAICompatImageURL struct {
	URL string `json:"url"`
}

// OpenAICompatMessage 表示 OpenAI 兼容的消息格式.
// Content 为 string 或 []OpenAICompatContentPart.
type OpenAICompatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// OpenAICompatRequest 表示 OpenAI 兼容的聊天完成请求.
type OpenAICompatRequest struct {
	Model         string                     `json:"model"`
	Messages      []OpenAICompatMessage      `json:"messages"`
	MaxTokens     int                        `json:"max_tokens,omitempty"`
	Temperature   float32                    `json:"temperature,omitempty"`
	Stream        bool                       `json:"stream,omitempty"`
	StreamOptions *OpenAICompatStreamOptions `json:"stream_options,omitempty"`
}

// OpenAICompatStreamOptions 流式选项
type OpenAICompatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// OpenAICompatDelta 流式增量
type OpenAICompatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// OpenAICompatChoice 表示 OpenAI 兼容流式响应中的单个选项.
type OpenAICompatChoice struct {
	Index        int                `json:"index"`
	FinishReason string             `json:"finish_reason"`
	Delta        *OpenAICompatDelta `json:"delta,omitempty"`
}

// OpenAICompatUsage 表示 OpenAI 兼容响应中的 token 用量.
type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAICompatStreamResponse 表示一条 SSE data 负载.
type OpenAICompatStreamResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// ConvertMessagesToOpenAI 将请求展开为 OpenAI 兼容消息；图片附件挂在最后一条 user 消息上.
func ConvertMessagesToOpenAI(req *llm.ChatRequest) []OpenAICompatMessage {
	msgs := req.Messages()
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for i, m := range msgs {
		oa := OpenAICompatMessage{Role: string(m.Role), Content: m.Content}
		if i == len(msgs)-1 && req.Attachments.ImageURL != "" {
			oa.Content = []OpenAICompatContentPart{
				{Type: "text", Text: m.Content},
				{Type: "image_url", ImageURL: &OpenAICompatImageURL{URL: req.Attachments.ImageURL}},
			}
		}
		out = append(out, oa)
	}
	return out
}
