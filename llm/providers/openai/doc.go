// Package openai 提供 OpenAI Chat Completions 的流式适配器，基于 openaicompat 实现，
// 额外支持 OpenAI-Organization 请求头。图片附件以 image_url 内容片段内嵌。
package openai
