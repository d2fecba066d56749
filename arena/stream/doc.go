/*
包 stream 实现一个用户回合的流式执行。

# 组成

  - [Driver]：单分支状态机 pending → streaming → {success | error}。
    文本模型逐片段发 token 帧，ASR/TTS 模型一次调用发一个整段结果帧。
    任何失败都变成该分支的 error 帧，兄弟分支不受影响。
  - [Merger]：并发运行两个分支，把帧按到达顺序交给同一个消费者，
    两个分支都结束后才返回。
  - [Orchestrator]：校验入口请求、创建消息占位，direct 模式直连驱动，
    compare 模式经过合并器。

# 落库节奏

片段累积在内存中，按 [Config].FlushEvery / FlushInterval 节流写入存储，
终态时一定写入。存储失败只记录日志与指标，不中断流。

# 客户端断开

DetachOnDisconnect 开启时分支脱离请求 ctx 继续运行到终态，后续帧被丢弃；
关闭时立即取消上游调用，分支以 error 终止并保留已累积的内容。

# 学术模式

TTS 学术模式下，同一回合中先到达的分支从共享池借出使用次数最少的 prompt，
改写 user 消息并发出 prompt 帧；另一个分支复用同一段文本。
*/
package stream
