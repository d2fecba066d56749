// Copyright (c) Arena Authors.
// Licensed under the MIT License.

/*
Package main 提供 Arena 服务端程序入口。

# 概述

cmd/arena 启动双模型对比流式服务：HTTP 流与 WebSocket 两种传输共用同一个
回合编排器，另提供数据库迁移、健康检查和版本查询子命令。

# 核心类型

  - Server: 组装存储、模型路由、流式核心与 HTTP / Metrics 两个端口
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、BodyLimit、RateLimiter
  - 所有包装 writer 透传 Flush 与 Hijack，流式帧逐行到达客户端
  - 配置热更新：Stream 段与日志级别无需重启
  - 优雅关闭：停止 HTTP → 停止 Metrics → 排空错误日志队列 → 关闭 Redis 与数据库 → 刷新遥测
*/
package main
