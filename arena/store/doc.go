// Package store 基于 gorm 实现 arena 的会话、消息与学术 prompt 持久化。
//
// 消息 position 在会话行锁内分配；终态消息拒绝更新（arena.ErrMessageFinalized）；
// BorrowAcademicPrompt 通过 SELECT ... FOR UPDATE 保证并发回合不会重复发放同一条最少使用的 prompt。
// sqlite 方言忽略行锁，依赖单连接串行化。
package store
