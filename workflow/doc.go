// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供基于 DAG 的多步骤 Agent 工作流执行引擎。

# 概述

每个步骤绑定一个 Agent 规格（agent/declarative 解析继承链后的 AgentSpec），
引擎按依赖顺序调度步骤，并在执行过程中处理重试、人工审批、资源锁与成本预算。
一次运行由单个调度循环驱动：循环是 ExecutionState 的唯一修改者，worker、
定时器与审批协程只通过事件队列回报结果。

# 核心类型

  - Step / Graph         — 步骤定义与校验后的不可变 DAG（Kahn 拓扑序，环路报告路径）
  - Builder              — Fluent API 构建 Graph
  - Definition           — YAML / JSON 工作流定义，Build 时拒绝环路与悬空依赖
  - Adapter              — Agent 调用适配器 Invoke(ctx, spec, input) (result, error)
  - Engine               — 执行引擎，Run(ctx, graph) (*RunResult, error)
  - ExecutionState       — 步骤状态机（pending/ready/waiting_approval/running/
    retrying/succeeded/failed/skipped），非法转换返回 INVALID_TRANSITION
  - RunResult            — 每个步骤的终态、最后错误、解析出的规格与总成本

# 主要能力

  - 依赖调度：前驱全部成功后步骤变为 ready；前驱失败则传递性跳过（run_always 除外）
  - 重试：按错误分类与 retry.Policy 决策，退避期间不阻塞调度循环
  - 审批：首次派发前进入 waiting_approval，超时按默认决策处理
  - 资源锁：同一 lock_key 的步骤按就绪顺序 FIFO 串行，TTL + 心跳续期
  - 预算：派发前按估算预留，完成后按实际成本结算；不足时以 budget_exceeded 终止
  - 取消：跳过所有未终结步骤、释放锁，宽限期后放弃未响应的调用
  - 观测：zap 日志、OpenTelemetry span、Prometheus 指标与 eventlog 事件流

子包 retry、lock、budget、approval 与 eventlog 分别实现上述各项策略。
*/
package workflow
