/*
包 llm 定义 arena 与各模型厂商之间的统一适配边界。

# 概述

三类模型共用一套错误形态与路由：

  - [ChatProvider]：流式对话，返回惰性、有限、不可重启的 [StreamChunk] 通道
  - [ASRProvider]：一次性语音转写
  - [TTSProvider]：一次性语音合成，返回音频与存储路径

# 错误

所有厂商异常都会被 [NormalizeError] 转换为 [*Error]。命中内容安全策略的错误带有
PolicyViolation 标记，[Error.UserMessage] 据此返回策略提示或通用错误提示。

# 路由

[Registry] 按模型 code 的最长前缀选择适配器。注册时适配器会被包装，
错误在返回前归一化，并通过 [ErrorReporter] 非阻塞地写入错误日志；
日志写入失败不会影响原始错误。
*/
package llm
