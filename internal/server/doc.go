// 版权所有 2024 Arena Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 Arena 的 HTTP 服务器生命周期。

serve 命令用它启动两个实例：承载流式回合的 api 服务（WriteTimeout 为 0，
长回合不会被写超时截断）和暴露 /metrics 的指标服务。

  - Start/StartTLS：后台监听，TLS 使用 tlsutil 的加固配置。
  - Shutdown：在 ShutdownTimeout 内排空连接。
  - WaitForShutdown：等待 ctx 结束、SIGINT/SIGTERM 或服务异常退出。
  - Addr：监听后返回实际地址，便于 ":0" 场景。
*/
package server
