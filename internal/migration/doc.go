// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理事件日志表（agentrun_events）的版本化 Schema，
基于 golang-migrate 实现，支持 PostgreSQL、MySQL 与 SQLite。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中。迁移器接收
一个已打开的 *sql.DB，因此 SQLite 同样使用 internal/database 提供的
纯 Go 连接，不依赖 cgo。

eventlog.GormLog 启动时仍会执行 AutoMigrate；生产环境中由本包先行
建表，AutoMigrate 只做校验。

# 核心类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：基于 golang-migrate 的实现，接管并在 Close 时关闭连接。
  - CLI：面向终端的格式化输出，由 agentrun migrate 子命令使用。

# 取消

迁移操作在 ctx 取消时向 golang-migrate 发送 GracefulStop，
当前文件执行完毕后停止。
*/
package migration
