/*
Package testutil 提供 arena 测试的共享辅助函数。

  - TestContext: 30s 超时并自动注册 Cleanup
  - AssertMessagesEqual: 按 role/content 比较上下文消息
  - WaitForChannel: 带超时的通道接收
  - FramesFor / TokenText: 按分支过滤帧、拼接 token 文本

子包 testutil/mocks 提供 MockChatProvider（脚本化片段、延迟、错误注入）、
MockASRProvider、MockTTSProvider 与内存版 arena.Store（MemoryStore）。
*/
package testutil
