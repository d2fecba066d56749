/*
# 概述

包 anthropic 提供 Anthropic Claude 系列模型的流式适配实现。
Claude API 与 OpenAI 格式有显著差异，本包负责把统一请求映射到
Messages API（/v1/messages），并处理认证、消息格式与流式事件的协议转换。

# 协议差异

  - 认证使用 x-api-key 请求头（非 Bearer Token）
  - system 单独传递到 system 字段
  - 消息必须 user/assistant 交替，相邻同角色消息会被合并
  - 图片以 {"type":"image","source":{"type":"url"}} 内容块引用
  - 流式 SSE 事件结构独立（message_start / content_block_delta / message_delta / message_stop / error）
  - stop_reason=refusal 视为内容策略拒绝
*/
package anthropic
