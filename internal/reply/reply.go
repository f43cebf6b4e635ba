// Package reply 实现按质量排序的回复来源链：远程补全、可选的对话组件、静态兜底。
// 每一层最多尝试一次，失败只记录日志并进入下一层，静态层保证总能得到回复。
package reply

import (
	"context"
	"fmt"
	"log/slog"

	"OmniDimension/internal/chat"
	"OmniDimension/internal/conversation"
	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/observability/metrics"
	"OmniDimension/pkg/logger"
)

// Request 是回复链的输入上下文。
type Request struct {
	Command string
	// Actions 是执行派发返回的排队动作，对回复链不透明。
	Actions []conversation.ActionRef
	History []conversation.Message
	Agents  []chat.AgentProfile
	Metrics chat.SystemMetrics
}

// Source 是回复链中的一层。
type Source interface {
	Name() string
	Reply(ctx context.Context, req Request) (chat.Envelope, error)
}

// Chain 依次尝试各层回复来源。
type Chain struct {
	tiers    []Source
	fallback *StaticSource
	logger   *slog.Logger
}

// NewChain 按给定顺序组装回复链，静态兜底层总是追加在最后。
func NewChain(tiers ...Source) *Chain {
	filtered := make([]Source, 0, len(tiers))
	for _, tier := range tiers {
		if tier != nil {
			filtered = append(filtered, tier)
		}
	}
	return &Chain{
		tiers:    filtered,
		fallback: NewStaticSource(),
		logger:   logger.Named("reply"),
	}
}

// Tiers 返回参与回复的层名称，包括静态兜底层。
func (c *Chain) Tiers() []string {
	names := make([]string, 0, len(c.tiers)+1)
	for _, tier := range c.tiers {
		names = append(names, tier.Name())
	}
	return append(names, c.fallback.Name())
}

// Reply 返回第一层成功的回复，不会失败。
func (c *Chain) Reply(ctx context.Context, req Request) chat.Envelope {
	for _, tier := range c.tiers {
		env, err := attempt(ctx, tier, req)
		if err == nil {
			metrics.ObserveReplyTier(tier.Name(), metrics.OutcomeSuccess)
			return env
		}
		if xerrors.CodeOf(err) == xerrors.CodeWidgetUnavailable {
			metrics.ObserveReplyTier(tier.Name(), metrics.OutcomeSkipped)
			c.logger.Debug("回复层不可用，跳过", slog.String("tier", tier.Name()))
			continue
		}
		metrics.ObserveReplyTier(tier.Name(), metrics.OutcomeFailure)
		c.logger.Warn("回复层失败，尝试下一层",
			slog.String("tier", tier.Name()),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}

	env, _ := c.fallback.Reply(ctx, req)
	metrics.ObserveReplyTier(c.fallback.Name(), metrics.OutcomeSuccess)
	return env
}

// attempt 调用单层来源，panic 视为该层失败。
func attempt(ctx context.Context, tier Source, req Request) (env chat.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("回复层 %s 发生 panic: %v", tier.Name(), r))
		}
	}()
	return tier.Reply(ctx, req)
}
