// 版权所有 2024 Arena Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、流式分支、附件缓存与数据库连接池四个维度。

# 概述

Collector 通过 promauto 注册全部指标。NewCollector 使用默认 registry，
NewCollectorWith 允许注入独立 registry（测试或多实例场景）。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 分支指标：按 session_type/status 统计终态与耗时，按 kind 统计帧数，
    存储写入失败次数，以及按 provider 区分 policy/generic 的厂商错误。
  - 附件指标：按 kind/result 统计解析结果，并折算为 attachment 缓存命中率。
  - 数据库指标：活跃/空闲连接数 Gauge。

Collector 同时满足 stream.Recorder 与 attachment.Recorder 接口。
*/
package metrics
