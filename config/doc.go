// Package config 提供 Arena 服务的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → ARENA_ 前缀环境变量 的顺序叠加，
// Reloader 轮询配置文件并把 stream 段与日志级别热更新到运行中的服务。
package config
