// Package config 提供 agentrun 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → AGENTRUN_ 前缀环境变量 的顺序叠加，
// 覆盖引擎、继承解析、重试、预算、审批、规格存储、事件日志、
// Redis、数据库、日志、遥测与指标各节，Validate 统一校验取值范围。
//
// redis.tls 为 true 时 Redis 客户端使用 internal/tlsutil 的 TLS 配置。
package config
