package task

import "context"

// RecoveryHandler 定义了动作执行出现不可重试错误时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回的 ActionResult 将作为降级结果写入动作；返回 nil 则按失败处理。
	Recover(ctx context.Context, action *Action, cause error) (*ActionResult, error)
}
