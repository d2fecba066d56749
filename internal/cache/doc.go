// 版权所有 2024 Arena Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 封装 go-redis 客户端，为附件提取结果提供跨消息共享的缓存。

# 核心类型

  - Manager：持有 redis 客户端，提供 Get/Set/Delete/Ping/Close，
    并在进程内统计命中与未命中次数。
  - Config：地址、密码、连接池大小、默认 TTL 与健康检查间隔。
  - Stats：命中统计与连接池状态，HitRate 计算命中率。

未命中时 Get 返回 ErrCacheMiss，可用 IsCacheMiss 判断；关闭后所有
操作返回 ErrClosed。
*/
package cache
