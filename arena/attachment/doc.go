// Package attachment 解析 user 消息上的附件：文档提取、音频转写、图片签名链接。
//
// 提取结果缓存在消息 metadata（extracted_text / transcription）中，
// 可选的 redis 共享缓存按附件路径复用结果。失败降级为 prompt 中的文本标记。
package attachment
