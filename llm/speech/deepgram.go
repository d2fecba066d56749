package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/BaSui01/arena/llm/providers"
)

// DeepgramProvider 使用 Deepgram 预录音频 API 执行 STT.
type DeepgramProvider struct {
	cfg    Config
	client *http.Client
}

// NewDeepgramProvider 创建新的 Deepgram STT 提供者.
func NewDeepgramProvider(cfg Config) *DeepgramProvider {
	cfg = cfg.orDefaults(deepgramDefaults)
	return &DeepgramProvider{cfg: cfg, client: cfg.client()}
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

type deepgramResponse struct {
	Metadata struct {
		RequestID string  `json:"request_id"`
		Duration  float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language,omitempty"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe 使用 Deepgram 将语音转换为文本.
func (p *DeepgramProvider) Transcribe(ctx context.Context, req *STTRequest) (*STTResponse, error) {
	if req.Audio == nil && req.AudioURL == "" {
		return nil, fmt.Errorf("audio input or URL is required")
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	params := url.Values{}
	params.Set("model", model)
	params.Set("smart_format", "true")
	params.Set("punctuate", "true")
	if req.Language != "" {
		params.Set("language", req.Language)
	} else {
		params.Set("detect_language", "true")
	}
	endpoint := providers.Endpoint(p.cfg.BaseURL, "/v1/listen?"+params.Encode())

	var httpReq *http.Request
	var err error
	if req.AudioURL != "" {
		// 基于 URL 的转写
		payload, _ := json.Marshal(map[string]string{"url": req.AudioURL})
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
	} else {
		audioData, readErr := io.ReadAll(req.Audio)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read audio: %w", readErr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audioData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", http.DetectContentType(audioData))
	}
	httpReq.Header.Set("Authorization", "Token "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(httpReq, err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, providers.ResponseError(httpReq, resp, p.Name())
	}

	var dResp deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&dResp); err != nil {
		return nil, fmt.Errorf("failed to decode deepgram response: %w", err)
	}

	result := &STTResponse{
		Provider:  p.Name(),
		Model:     model,
		Duration:  time.Duration(dResp.Metadata.Duration * float64(time.Second)),
		CreatedAt: time.Now(),
	}
	// 取第一个声道的首选结果
	if len(dResp.Results.Channels) > 0 {
		ch := dResp.Results.Channels[0]
		result.Language = ch.DetectedLanguage
		if len(ch.Alternatives) > 0 {
			result.Text = ch.Alternatives[0].Transcript
			result.Confidence = ch.Alternatives[0].Confidence
		}
	}
	return result, nil
}
