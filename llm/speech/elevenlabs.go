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

// ElevenLabsProvider 使用 ElevenLabs 执行 TTS.
type ElevenLabsProvider struct {
	cfg    Config
	client *http.Client
}

// NewElevenLabsProvider 创建新的 ElevenLabs 提供者.
func NewElevenLabsProvider(cfg Config) *ElevenLabsProvider {
	cfg = cfg.orDefaults(elevenDefaults)
	return &ElevenLabsProvider{cfg: cfg, client: cfg.client()}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

type elevenLabsTTSRequest struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Synthesize 使用 ElevenLabs 将文本转换为语音.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.cfg.Voice
	}

	body := elevenLabsTTSRequest{
		Text:         req.Text,
		ModelID:      model,
		LanguageCode: req.Language,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// 输出格式查询参数
	format := req.ResponseFormat
	if format == "" {
		format = "mp3_44100_128"
	}
	endpoint := providers.Endpoint(p.cfg.BaseURL,
		fmt.Sprintf("/v1/text-to-speech/%s?output_format=%s", url.PathEscape(voiceID), url.QueryEscape(format)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(httpReq, err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, providers.ResponseError(httpReq, resp, p.Name())
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, providers.TransportError(httpReq, err, p.Name())
	}

	return &TTSResponse{
		Provider:  p.Name(),
		Model:     model,
		AudioData: audio,
		Format:    "mp3",
		CharCount: len(req.Text),
		CreatedAt: time.Now(),
	}, nil
}
