// 版权所有 2024 Arena Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开 Arena 的关系型数据库并管理连接池。

# 概述

Open 按驱动名（postgres、mysql、sqlite）选择 GORM 方言，慢查询通过
zap 输出。PoolManager 在此之上设置连接池参数，后台定时探活，并把
打开/空闲连接数交给 StatsRecorder（通常是 metrics.Collector）。

# 事务

  - WithTransaction：单次事务执行。
  - WithTransactionRetry：死锁、序列化失败、SQLITE_BUSY 等瞬时错误
    按指数退避重试。arena/store 通过 WithTxRunner 接入，用于消息
    位置分配与学术提示词借用。
*/
package database
