// Copyright 2026 AgentFlow Authors
// Use of this source code is governed by the project license.

/*
# 概述

包 declarative 提供声明式 Agent 规格（PartialSpec）的加载、存储与
继承解析能力。

每个 PartialSpec 只描述一部分配置，并可通过 parent 指向父规格。
Resolver 沿 parent 链从叶子走到根，再按"根在前"的顺序合并为一个
扁平的 AgentSpec，供 workflow 引擎驱动单个步骤。

# 核心接口

  - SpecStore — 只读的规格查询接口 Get(ctx, id)
  - SpecLoader — 从文件或字节流加载 PartialSpec，支持自动格式检测
  - Resolver / Session — 继承链解析；Session 在一次运行内缓存查询结果

# 存储实现

  - MemoryStore — 内存存储，适合测试与代码内组装
  - FileStore — 基于目录的 YAML/JSON 文件（doublestar 模式匹配，并发解析）
  - RedisStore — 基于 Redis 的 JSON 存储

# 合并规则

  - 标量字段（model、provider、temperature、max_tokens、system_prompt）
    取最近一个显式设置的值；显式设置为零值同样会覆盖父级
  - tools 按首次出现顺序取并集并去重
  - metadata 按键合并，子级覆盖父级

# 错误

  - CYCLE_DETECTED — parent 链出现环
  - DEPTH_EXCEEDED — 链长度超过上限（默认 5）
  - PARENT_NOT_FOUND / SPEC_NOT_FOUND — 父规格或目标规格不存在
  - INVALID_SPEC — 单个规格字段非法

# 典型用法

	store := declarative.NewFileStore("specs", "", logger)
	if err := store.Load(ctx); err != nil { ... }

	resolver := declarative.NewResolver(store, 5, logger)
	spec, err := resolver.Resolve(ctx, "researcher")
*/
package declarative
