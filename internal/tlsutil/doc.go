// Package tlsutil 提供集中式 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// redis.tls 开启时规格存储与事件日志的 Redis 连接使用 ClientConfig。
package tlsutil
