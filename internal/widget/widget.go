// Package widget 封装可选的第三方对话组件。组件在会话开始时异步加载，
// 未加载完成或加载失败都不是错误，只表示该能力当前不可用。
package widget

import (
	"context"
	"sync"

	"OmniDimension/internal/chat"
	"OmniDimension/internal/conversation"
)

// Options 是调用组件对话能力时附带的上下文。
type Options struct {
	Context []conversation.Message `json:"context"`
	Agents  []chat.AgentProfile    `json:"agents"`
	Metrics chat.SystemMetrics     `json:"metrics"`
}

// Reply 是组件返回的回复。
type Reply struct {
	Message string `json:"message"`
}

// Widget 描述对话组件的生命周期与对话能力。
type Widget interface {
	// Attach 开始加载组件，不等待加载完成。
	Attach(ctx context.Context) error
	// Detach 卸载组件并释放后台资源，可重复调用。
	Detach() error
	// Available 在调用时检查组件是否已就绪。
	Available() bool
	Chat(ctx context.Context, command string, opts Options) (Reply, error)
}

// Open 挂载组件并返回释放函数，调用方应 defer release() 保证卸载。
func Open(ctx context.Context, w Widget) (release func() error, err error) {
	if w == nil {
		return func() error { return nil }, nil
	}
	if err := w.Attach(ctx); err != nil {
		_ = w.Detach()
		return nil, err
	}
	var once sync.Once
	var detachErr error
	return func() error {
		once.Do(func() { detachErr = w.Detach() })
		return detachErr
	}, nil
}
