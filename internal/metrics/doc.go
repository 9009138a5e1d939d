// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的工作流指标采集能力，覆盖
运行、步骤、资源（成本、预算、锁、审批）与数据库四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
注册到默认或调用方指定的 Registerer。所有指标按 namespace 隔离，
按 workflow 等 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 运行指标：运行总数（按终止原因）与运行耗时。
  - 步骤指标：尝试次数与耗时、状态转换计数、重试计数（按错误分类）、
    在途步骤 Gauge。
  - 资源指标：已结算成本、预算拒绝次数、锁排队时长、审批结果、
    规格解析结果码。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram，
    按 database/operation 分组。
*/
package metrics
