// 版权所有 2024 Arena Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 基于 golang-migrate 管理 Arena 表结构的版本化迁移。

每种方言（postgres、mysql、sqlite）一套内嵌 SQL：

  - 000001_create_arena_core：arena_sessions、arena_models、arena_messages
    （(session_id, position) 唯一索引）
  - 000002_create_academic_prompts：学术提示词池，(language, usage_count) 索引
  - 000003_create_provider_error_logs：厂商错误日志

列定义与 arena/store 的 gorm 模型保持一致，生产环境用 `arena migrate up`
建表，开发环境可以改用 database.auto_migrate。

NewMigrator 按连接串自行打开数据库；NewMigratorWithDB 复用已有 *sql.DB。
CLI.Run 按子命令分发并格式化输出。
*/
package migration
