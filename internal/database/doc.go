// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为 database 驱动的事件日志提供 GORM 连接与连接池管理。

# 概述

Connect 按 config.DatabaseConfig 选择 postgres、mysql 或纯 Go 的 sqlite
方言，打开连接后 Ping，连接失败按 retry.Policy 退避重试。PoolManager
封装 GORM 与 database/sql 的连接池配置，后台定时探活并把连接数写入
Prometheus 指标。

# 核心类型

  - PoolManager：连接池管理器，提供 DB()、Ping()、GetStats()、Close()。
  - PoolConfig：连接池配置，可由 PoolConfigFrom 从数据库配置派生。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 连接重试：Connect 把打开和 Ping 失败归类为瞬时错误。
  - 健康检查：后台定时 PingContext 探活，WithMetrics 时记录连接数。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry 对死锁、
    序列化失败等错误按策略重试。
  - 查询耗时：InstrumentQueries 在 create/query 回调上记录耗时直方图。
*/
package database
