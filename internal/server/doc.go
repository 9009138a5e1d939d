// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理后台 HTTP 服务器的生命周期，agentrun run 用它在
metrics.addr 上暴露 Prometheus 指标。

# 核心类型

  - Manager：封装 net/http.Server 与监听器。Start 同步监听、后台服务，
    Shutdown 在 ShutdownTimeout 内排空连接，Errors 返回异步错误通道。
  - Config：监听地址、读写与空闲超时、优雅关闭超时。
  - MetricsHandler：挂载 /metrics（promhttp）与 /healthz 的路由。

Addr 在启动后返回实际绑定的地址，因此 ":0" 可用于测试。
*/
package server
