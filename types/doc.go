// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentrun 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent/declarative、
workflow 及其子包提供统一的错误契约与基础值类型，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 Category、Retryable、StepID 标记
  - ErrorCategory     — 失败分类（transient / timeout / validation / resource / permanent / unknown）
  - Optional[T]       — 区分"未设置"与"显式零值"的可选值，支持 YAML / JSON
  - Duration          — 可从 "1.5s" 或毫秒数解析的时长

# 主要能力

  - 错误工具链：AsError / GetErrorCode / IsCode / IsRetryable / CategoryOf
  - 分类错误构造：NewStepError / NewTransientError / NewValidationError / NewPermanentError
*/
package types
