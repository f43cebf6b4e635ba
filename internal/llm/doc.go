// Package llm 抽象了对外部对话补全服务的调用，供补全代理与动作执行器共用。
package llm
