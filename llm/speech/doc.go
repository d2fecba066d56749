/*
Package speech 提供语音识别 (ASR) 与语音合成 (TTS) 的一次性调用实现.

# 供应商

  - OpenAISTTProvider: Whisper /v1/audio/transcriptions
  - DeepgramProvider: /v1/listen 预录音频转写
  - OpenAITTSProvider: /v1/audio/speech
  - ElevenLabsProvider: /v1/text-to-speech/{voice}

所有供应商的 HTTP 错误经 providers.ResponseError 转为 *llm.Error.

# 适配

ASRAdapter 和 TTSAdapter 把上述供应商包装为 llm.ASRProvider / llm.TTSProvider，
音频通过 ObjectReader / ObjectWriter 与对象存储交换.
*/
package speech
