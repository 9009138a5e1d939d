/*
包 retry 为工作流步骤提供分类重试决策。

# 概述

Decide 根据错误分类、已尝试次数与策略参数返回是否重试以及等待时长。
它是纯函数，不持有任何状态；重试计时由 workflow 引擎负责。

# 退避策略

  - constant：固定延迟
  - linear：initial * attempt
  - exponential：initial * multiplier^(attempt-1)
  - jittered_exponential：在指数退避基础上加入有界抖动，抖动值由
    JitterSeed 与 attempt 决定

所有策略都受 MaxDelay 与 MaxAttempts 约束。validation 与 permanent
分类的错误永远不会重试。
*/
package retry
