package reply

import (
	"context"

	"OmniDimension/internal/chat"
)

// StaticMessage 是静态兜底层返回的固定文本。
const StaticMessage = "I'm processing your request. Due to a temporary communication issue, I'll provide updates as the execution progresses. You can monitor the action queue and execution log for real-time status."

// StaticSource 无条件返回固定的指引文本。
type StaticSource struct{}

// NewStaticSource 创建静态兜底层。
func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

// Name 实现 Source。
func (*StaticSource) Name() string { return chat.SourceStatic }

// Reply 实现 Source，永不失败。
func (*StaticSource) Reply(context.Context, Request) (chat.Envelope, error) {
	return chat.Envelope{
		Message:  StaticMessage,
		Metadata: map[string]any{chat.MetadataSource: chat.SourceStatic},
	}, nil
}
