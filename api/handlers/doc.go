// Copyright (c) Arena Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 Arena HTTP API 的请求处理器。

# 核心类型

  - ArenaHandler: 回合流式入口，HTTP 行协议流与 WebSocket 两种传输
  - TurnRunner: Prepare + Run 回合接口，由 stream.Orchestrator 实现
  - HealthHandler: 存活、就绪与版本端点
  - PingCheck: 以 ping 函数实现的就绪检查（数据库、Redis）
  - Response: 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter: 捕获状态码，透传 Flush / Hijack

# 错误映射

回合校验错误映射为 4xx：非法回合与非法消息为 400，会话或消息不存在为 404，
占位消息已终态为 409。流开始之后的失败只以错误帧体现。
*/
package handlers
