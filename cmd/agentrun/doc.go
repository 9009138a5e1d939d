// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentrun 命令行入口。

# 概述

cmd/agentrun 加载配置（YAML 文件、.env 与 AGENTRUN_ 环境变量），
按 spec_store 打开 agent 规格存储，按 event_log 打开事件日志，
然后用内置的 echo 适配器执行工作流。

# 子命令

  - run：执行工作流，终端或 --auto-approve 回答审批，结果以文本或 JSON 输出
  - validate：校验工作流结构，--resolve 时解析全部规格
  - resolve：输出合并继承链后的 agent 规格
  - schema：输出工作流定义的 JSON Schema
  - migrate：管理事件日志表的版本化 Schema（up/down/status/version/steps/goto/force）
  - version：构建信息，Version、BuildTime、GitCommit 通过 ldflags 设置

# 运行时装配

  - 日志：zap，按 log 段构建
  - 遥测：telemetry.Init，引擎 span 走同一个 TracerProvider
  - 指标：metrics.enabled 时注册 Prometheus 指标，metrics.addr 非空时暴露 /metrics
  - 事件日志：none、memory、redis 或 database（GORM，postgres/mysql/sqlite）
*/
package main
