package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/arena/internal/tlsutil"
	"github.com/BaSui01/arena/llm"
	"github.com/BaSui01/arena/llm/providers"
	"go.uber.org/zap"
)

// ClaudeProvider 实现 Anthropic Messages API 的流式 Provider
// Claude API 与 OpenAI 格式的主要差异：
// 1. 认证使用 x-api-key 请求头而非 Bearer Token
// 2. system 单独传递
// 3. 消息必须 user/assistant 交替
// 4. 必须提供 max_tokens
type ClaudeProvider struct {
	cfg    providers.ClaudeConfig
	client *http.Client
	logger *zap.Logger
}

// NewClaudeProvider 创建 Claude Provider
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeProvider{
		cfg:    cfg,
		client: tlsutil.StreamingHTTPClient(timeout),
		logger: logger.With(zap.String("provider", "anthropic")),
	}
}

func (p *ClaudeProvider) Name() string { return "anthropic" }

// Claude 的消息结构与 OpenAI 不同
type claudeMessage struct {
	Role    string          `json:"role"` // user 或 assistant
	Content []claudeContent `json:"content"`
}

type claudeImageSource struct {
	Type string `json:"type"` // url
	URL  string `json:"url"`
}

type claudeContent struct {
	Type   string             `json:"type"` // text, image
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"` // system 消息单独传递
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeMessageInfo struct {
	ID    string       `json:"id"`
	Model string       `json:"model"`
	Usage *claudeUsage `json:"usage,omitempty"`
}

// 流式响应的事件类型
type claudeStreamEvent struct {
	Type    string             `json:"type"` // message_start, content_block_delta, message_delta, message_stop, error, ping
	Index   int                `json:"index,omitempty"`
	Delta   *claudeDelta       `json:"delta,omitempty"`
	Message *claudeMessageInfo `json:"message,omitempty"`
	Usage   *claudeUsage       `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type"` // text_delta
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

func (p *ClaudeProvider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
}

// convertToClaudeMessages 合并相邻同角色消息以满足交替要求，图片挂在当前 user 消息上
func convertToClaudeMessages(req *llm.ChatRequest) []claudeMessage {
	var out []claudeMessage
	push := func(role string, c claudeContent) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, c)
			return
		}
		out = append(out, claudeMessage{Role: role, Content: []claudeContent{c}})
	}

	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "assistant"
		}
		push(role, claudeContent{Type: "text", Text: m.Content})
	}
	// 首条必须是 user
	if len(out) > 0 && out[0].Role == "assistant" {
		out = out[1:]
	}
	if req.Attachments.ImageURL != "" {
		push("user", claudeContent{Type: "image", Source: &claudeImageSource{Type: "url", URL: req.Attachments.ImageURL}})
	}
	push("user", claudeContent{Type: "text", Text: req.Prompt})
	return out
}

func (p *ClaudeProvider) maxTokens(req *llm.ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if p.cfg.MaxTokens > 0 {
		return p.cfg.MaxTokens
	}
	// Claude 要求必须提供 max_tokens
	return 4096
}

func (p *ClaudeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body := claudeRequest{
		Model:       providers.ChooseModel(req, p.cfg.Model, "claude-3-5-sonnet-latest"),
		Messages:    convertToClaudeMessages(req),
		System:      req.SystemPrompt,
		MaxTokens:   p.maxTokens(req),
		Temperature: req.Temperature,
		Stream:      true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		providers.Endpoint(p.cfg.BaseURL, "/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(httpReq, err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		return nil, providers.ResponseError(httpReq, resp, p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}

		var currentID, currentModel string
		var usage claudeUsage

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					send(llm.StreamChunk{Provider: p.Name(), Err: &llm.Error{
						Code: llm.ErrUpstreamError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(), Cause: err,
					}})
				}
				return
			}

			line = strings.TrimSpace(line)
			// Claude SSE 格式：event: <type>\ndata: <json>，事件类型也在 data 里
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				send(llm.StreamChunk{Provider: p.Name(), Err: &llm.Error{
					Code: llm.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Provider: p.Name(), Cause: err,
				}})
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					currentID = event.Message.ID
					currentModel = event.Message.Model
					if event.Message.Usage != nil {
						usage.InputTokens = event.Message.Usage.InputTokens
					}
				}

			case "content_block_delta":
				if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !send(llm.StreamChunk{
						ID: currentID, Provider: p.Name(), Model: currentModel, Content: event.Delta.Text,
					}) {
						return
					}
				}

			case "message_delta":
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}
				if event.Delta != nil && event.Delta.StopReason == "refusal" {
					send(llm.StreamChunk{Provider: p.Name(), Err: &llm.Error{
						Code: llm.ErrContentFiltered, Message: "response declined by safety policy (stop_reason: refusal)",
						HTTPStatus: http.StatusBadRequest, PolicyViolation: true, Provider: p.Name(),
					}})
					return
				}
				if event.Delta != nil && event.Delta.StopReason != "" {
					if !send(llm.StreamChunk{
						ID: currentID, Provider: p.Name(), Model: currentModel, FinishReason: event.Delta.StopReason,
					}) {
						return
					}
				}

			case "error":
				msg := "stream error"
				typ := ""
				if event.Error != nil {
					msg, typ = event.Error.Message, event.Error.Type
				}
				status := http.StatusBadGateway
				if typ == "overloaded_error" {
					status = 529
				}
				send(llm.StreamChunk{Provider: p.Name(), Err: providers.MapHTTPError(status, msg, p.Name())})
				return

			case "message_stop":
				send(llm.StreamChunk{
					ID: currentID, Provider: p.Name(), Model: currentModel,
					Usage: &llm.ChatUsage{
						PromptTokens:     usage.InputTokens,
						CompletionTokens: usage.OutputTokens,
						TotalTokens:      usage.InputTokens + usage.OutputTokens,
					},
				})
				return
			}
		}
	}()

	return ch, nil
}
