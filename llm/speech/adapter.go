package speech

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"

	"github.com/BaSui01/arena/llm"
)

// ObjectReader 读取对象存储中的音频.
type ObjectReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// ObjectWriter 写入对象存储，返回最终存储路径.
type ObjectWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// =============================================================================
// 🎙️ ASR 适配
// =============================================================================

// ASRAdapter 将 STTProvider 暴露为 llm.ASRProvider.
type ASRAdapter struct {
	stt     STTProvider
	objects ObjectReader
}

// NewASRAdapter 创建 ASR 适配器. objects 可为 nil，此时请求必须携带音频内容.
func NewASRAdapter(stt STTProvider, objects ObjectReader) *ASRAdapter {
	return &ASRAdapter{stt: stt, objects: objects}
}

func (a *ASRAdapter) Name() string { return a.stt.Name() }

// Transcribe 读取音频并返回完整转写文本.
func (a *ASRAdapter) Transcribe(ctx context.Context, req *llm.TranscribeRequest) (string, error) {
	audio := req.Audio
	if len(audio) == 0 {
		if req.AudioPath == "" {
			return "", invalidRequest(a.Name(), "no audio supplied")
		}
		if a.objects == nil {
			return "", invalidRequest(a.Name(), "no object storage configured for "+req.AudioPath)
		}
		data, err := a.objects.Get(ctx, req.AudioPath)
		if err != nil {
			return "", fmt.Errorf("read audio %s: %w", req.AudioPath, err)
		}
		audio = data
	}

	filename := req.Filename
	if filename == "" && req.AudioPath != "" {
		filename = path.Base(req.AudioPath)
	}

	resp, err := a.stt.Transcribe(ctx, &STTRequest{
		Audio:    bytes.NewReader(audio),
		Filename: filename,
		Model:    req.Model,
		Language: req.Language,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// =============================================================================
// 🔊 TTS 适配
// =============================================================================

// TTSAdapter 将 TTSProvider 暴露为 llm.TTSProvider，并把音频写入对象存储.
type TTSAdapter struct {
	tts     TTSProvider
	objects ObjectWriter
}

// NewTTSAdapter 创建 TTS 适配器. objects 为 nil 时只返回音频不落盘.
func NewTTSAdapter(tts TTSProvider, objects ObjectWriter) *TTSAdapter {
	return &TTSAdapter{tts: tts, objects: objects}
}

func (a *TTSAdapter) Name() string { return a.tts.Name() }

// Synthesize 合成音频并上传到 req.StorageKey.
func (a *TTSAdapter) Synthesize(ctx context.Context, req *llm.SynthesizeRequest) (*llm.SynthesizeResult, error) {
	if req.Text == "" {
		return nil, invalidRequest(a.Name(), "text is empty")
	}
	resp, err := a.tts.Synthesize(ctx, &TTSRequest{
		Text:     req.Text,
		Model:    req.Model,
		Voice:    req.Voice,
		Language: req.Language,
	})
	if err != nil {
		return nil, err
	}

	result := &llm.SynthesizeResult{Audio: resp.AudioData, Format: resp.Format}
	if a.objects == nil || req.StorageKey == "" {
		return result, nil
	}
	stored, err := a.objects.Put(ctx, req.StorageKey, resp.AudioData, contentTypeFor(resp.Format))
	if err != nil {
		return nil, fmt.Errorf("store audio %s: %w", req.StorageKey, err)
	}
	result.StoragePath = stored
	return result, nil
}

func invalidRequest(provider, msg string) *llm.Error {
	return &llm.Error{
		Code:       llm.ErrInvalidRequest,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
		Provider:   provider,
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "pcm":
		return "audio/L16"
	default:
		return "audio/mpeg"
	}
}
