package reply

import (
	"context"
	"time"

	"OmniDimension/internal/chat"
	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/widget"
)

const defaultWidgetTimeout = 15 * time.Second

// WidgetSource 在对话组件可用时调用其对话能力。
type WidgetSource struct {
	widget  widget.Widget
	timeout time.Duration
}

// NewWidgetSource 包装注入的组件。w 可以为 nil，此时该层始终视为不可用。
func NewWidgetSource(w widget.Widget, timeout time.Duration) *WidgetSource {
	if timeout <= 0 {
		timeout = defaultWidgetTimeout
	}
	return &WidgetSource{widget: w, timeout: timeout}
}

// Name 实现 Source。
func (*WidgetSource) Name() string { return chat.SourceWidget }

// Reply 实现 Source。组件未就绪时返回 WIDGET_UNAVAILABLE。
func (s *WidgetSource) Reply(ctx context.Context, req Request) (chat.Envelope, error) {
	if s == nil || s.widget == nil || !s.widget.Available() {
		return chat.Envelope{}, xerrors.New(xerrors.CodeWidgetUnavailable, "")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.widget.Chat(callCtx, req.Command, widget.Options{
		Context: req.History,
		Agents:  req.Agents,
		Metrics: req.Metrics,
	})
	if err != nil {
		return chat.Envelope{}, err
	}
	return chat.Envelope{
		Message:  reply.Message,
		Metadata: map[string]any{chat.MetadataSource: chat.SourceWidget},
	}, nil
}
