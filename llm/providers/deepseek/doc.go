// Package deepseek 提供 DeepSeek 的流式适配器。DeepSeek 兼容 OpenAI 格式，
// 但端点没有 /v1 前缀，且不支持图片内容片段。
package deepseek
