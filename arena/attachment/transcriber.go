package attachment

import (
	"context"

	"github.com/BaSui01/arena/llm"
)

// Transcriber 把音频附件转写为文本
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
}

// ASRRouter 按模型编码查找 ASR 适配器，*llm.Registry 满足该接口
type ASRRouter interface {
	ASR(model string) (llm.ASRProvider, error)
}

// ASRTranscriber 使用固定的 ASR 模型转写聊天附件中的音频
type ASRTranscriber struct {
	router ASRRouter
	model  string
}

// NewASRTranscriber 创建转写器
func NewASRTranscriber(router ASRRouter, model string) *ASRTranscriber {
	return &ASRTranscriber{router: router, model: model}
}

func (t *ASRTranscriber) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	p, err := t.router.ASR(t.model)
	if err != nil {
		return "", err
	}
	return p.Transcribe(ctx, &llm.TranscribeRequest{
		Model:     t.model,
		AudioPath: audioPath,
		Language:  language,
	})
}
