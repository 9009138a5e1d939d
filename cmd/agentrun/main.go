// =============================================================================
// agentrun 主入口
// =============================================================================
// 工作流执行命令行，包含运行、校验、规格解析、schema 导出和数据库迁移
//
// 使用方法:
//
//	agentrun run workflow.yaml                     # 执行工作流
//	agentrun run workflow.yaml --config cfg.yaml   # 指定配置文件
//	agentrun validate workflow.yaml --resolve      # 校验工作流并解析全部规格
//	agentrun resolve writer                        # 打印解析后的 agent 规格
//	agentrun schema                                # 输出工作流定义 JSON Schema
//	agentrun migrate up                            # 迁移事件日志表
//	agentrun version                               # 显示版本信息
// =============================================================================

package main

import (
	"os"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
