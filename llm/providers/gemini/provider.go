package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
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

// 内嵌图片的大小上限
const maxInlineImageBytes = 8 << 20

// GeminiProvider 实现 Google Gemini 的流式 Provider
// Gemini API 特点：
// 1. 使用 x-goog-api-key 请求头认证
// 2. system prompt 通过 systemInstruction 传递
// 3. assistant 角色称为 model
// 4. 图片需要以 inlineData（base64）内嵌
type GeminiProvider struct {
	cfg    providers.GeminiConfig
	client *http.Client
	fetch  *http.Client
	logger *zap.Logger
}

// NewGeminiProvider 创建 Gemini Provider
func NewGeminiProvider(cfg providers.GeminiConfig, logger *zap.Logger) *GeminiProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	// 设置默认 BaseURL
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GeminiProvider{
		cfg:    cfg,
		client: tlsutil.StreamingHTTPClient(timeout),
		fetch:  tlsutil.SecureHTTPClient(30 * time.Second),
		logger: logger.With(zap.String("provider", "gemini")),
	}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-goog-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// =============================================================================
// 线格式
// =============================================================================

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata *geminiUsage `json:"usageMetadata,omitempty"`
	ModelVersion  string       `json:"modelVersion,omitempty"`
}

// 命中安全策略的结束原因
var safetyFinishReasons = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
	"IMAGE_SAFETY":       true,
}

func (p *GeminiProvider) buildRequest(ctx context.Context, req *llm.ChatRequest) (*geminiRequest, error) {
	body := &geminiRequest{}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	for _, m := range req.History {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	current := geminiContent{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}
	if req.Attachments.ImageURL != "" {
		img, err := p.fetchImage(ctx, req.Attachments.ImageURL)
		if err != nil {
			return nil, err
		}
		current.Parts = append(current.Parts, geminiPart{InlineData: img})
	}
	body.Contents = append(body.Contents, current)

	if req.Temperature > 0 || req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return body, nil
}

// fetchImage 下载签名 URL 指向的图片并转为 inlineData
func (p *GeminiProvider) fetchImage(ctx context.Context, url string) (*geminiInlineData, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}
	resp, err := p.fetch.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(httpReq, err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, providers.ResponseError(httpReq, resp, p.Name())
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineImageBytes+1))
	if err != nil {
		return nil, providers.TransportError(httpReq, err, p.Name())
	}
	if len(data) > maxInlineImageBytes {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: "image attachment exceeds inline size limit",
			HTTPStatus: http.StatusRequestEntityTooLarge, Provider: p.Name(),
		}
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return &geminiInlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(data)}, nil
}

// Stream 调用 streamGenerateContent?alt=sse
func (p *GeminiProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body, err := p.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	model := providers.ChooseModel(req, p.cfg.Model, "gemini-2.0-flash")
	endpoint := providers.Endpoint(p.cfg.BaseURL,
		fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse", model))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
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

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}
		policy := func(msg string) {
			send(llm.StreamChunk{Provider: p.Name(), Model: model, Err: (&llm.Error{
				Code: llm.ErrContentFiltered, Message: msg, HTTPStatus: http.StatusBadRequest,
				PolicyViolation: true, Provider: p.Name(),
			}).WithRequest(httpReq, resp)})
		}

		reader := bufio.NewReader(resp.Body)
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
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			var gr geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &gr); err != nil {
				send(llm.StreamChunk{Provider: p.Name(), Err: &llm.Error{
					Code: llm.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Provider: p.Name(), Cause: err,
				}})
				return
			}

			if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
				policy("prompt blocked by safety filter: " + gr.PromptFeedback.BlockReason)
				return
			}

			for _, cand := range gr.Candidates {
				if safetyFinishReasons[cand.FinishReason] {
					policy("response blocked by safety filter: " + cand.FinishReason)
					return
				}
				var sb strings.Builder
				for _, part := range cand.Content.Parts {
					sb.WriteString(part.Text)
				}
				if sb.Len() == 0 && cand.FinishReason == "" {
					continue
				}
				if !send(llm.StreamChunk{
					Provider:     p.Name(),
					Model:        model,
					Content:      sb.String(),
					FinishReason: strings.ToLower(cand.FinishReason),
				}) {
					return
				}
			}

			if gr.UsageMetadata != nil && len(gr.Candidates) == 0 {
				if !send(llm.StreamChunk{Provider: p.Name(), Model: model, Usage: &llm.ChatUsage{
					PromptTokens:     gr.UsageMetadata.PromptTokenCount,
					CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      gr.UsageMetadata.TotalTokenCount,
				}}) {
					return
				}
			}
		}
	}()
	return ch, nil
}
