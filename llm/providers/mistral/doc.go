// Package mistral 提供 Mistral AI 的流式适配器，基于 openaicompat 实现。
package mistral
