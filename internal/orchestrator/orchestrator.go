// Package orchestrator 负责单条操作员命令的完整处理流程：
// 记录命令、交给执行子系统派发、通过回复链生成回复并写回会话。
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"OmniDimension/internal/chat"
	"OmniDimension/internal/conversation"
	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/observability/alerting"
	"OmniDimension/internal/observability/metrics"
	"OmniDimension/internal/reply"
	"OmniDimension/pkg/logger"
)

// DefaultHistoryDepth 是提供给回复链的最近消息数量。
const DefaultHistoryDepth = 10

// ErrBusy 表示已有命令在处理中，新的命令被拒绝而不是排队。
var ErrBusy = xerrors.New(xerrors.CodeBusy, "")

// Dispatcher 把命令交给执行子系统，返回已排队的动作。动作内容对编排器不透明。
type Dispatcher interface {
	Dispatch(ctx context.Context, command string) ([]conversation.ActionRef, error)
}

// Replier 为命令生成回复，不会失败。
type Replier interface {
	Reply(ctx context.Context, req reply.Request) chat.Envelope
}

// Roster 提供当前可用的智能体列表。
type Roster interface {
	Agents(ctx context.Context) []chat.AgentProfile
}

// MetricsProvider 提供执行子系统的运行指标。
type MetricsProvider interface {
	SystemMetrics(ctx context.Context) chat.SystemMetrics
}

// Outcome 是一次命令处理写入会话的两条消息。
type Outcome struct {
	User  conversation.Message `json:"user"`
	Reply conversation.Message `json:"reply"`
}

// Orchestrator 串行处理操作员命令。
type Orchestrator struct {
	store        *conversation.Store
	dispatcher   Dispatcher
	replier      Replier
	roster       Roster
	metrics      MetricsProvider
	historyDepth int
	alerter      alerting.Dispatcher
	busy         atomic.Bool
	logger       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithRoster 配置智能体列表来源。
func WithRoster(roster Roster) Option {
	return func(o *Orchestrator) {
		o.roster = roster
	}
}

// WithMetricsProvider 配置运行指标来源。
func WithMetricsProvider(provider MetricsProvider) Option {
	return func(o *Orchestrator) {
		o.metrics = provider
	}
}

// WithHistoryDepth 设置交给回复链的历史消息数量。
func WithHistoryDepth(depth int) Option {
	return func(o *Orchestrator) {
		o.historyDepth = depth
	}
}

// WithAlertDispatcher 在命令派发失败时发送告警。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// New 创建编排器。
func New(store *conversation.Store, dispatcher Dispatcher, replier Replier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		dispatcher:   dispatcher,
		replier:      replier,
		historyDepth: DefaultHistoryDepth,
		logger:       logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.historyDepth <= 0 {
		o.historyDepth = DefaultHistoryDepth
	}
	return o
}

// Busy 返回当前是否有命令在处理中。
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// Store 返回会话存储。
func (o *Orchestrator) Store() *conversation.Store {
	return o.store
}

// ExecuteCommand 处理一条命令。空白输入直接忽略并返回 (nil, nil)；
// 已有命令在处理时返回 ErrBusy。派发失败不会作为错误返回，而是写入一条错误消息。
func (o *Orchestrator) ExecuteCommand(ctx context.Context, text string) (*Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if o.store == nil || o.dispatcher == nil || o.replier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.busy.Store(false)

	started := time.Now()
	// 历史快照先于本条命令写入，命令本身单独传给回复链。
	history := o.store.Recent(o.historyDepth)
	user := o.store.Append(conversation.NewUserMessage(text))
	logger.Audit().Info("收到操作员命令",
		slog.String("message_id", user.ID),
		slog.String("command", text),
	)

	actions, err := o.dispatch(ctx, text)
	if err != nil {
		metrics.ObserveDispatch(metrics.OutcomeFailure, 0)
		o.logger.Error("命令派发失败",
			slog.String("message_id", user.ID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		logger.Audit().Warn("命令派发失败",
			slog.String("message_id", user.ID),
			slog.String("error", err.Error()),
		)
		if o.alerter != nil {
			event := alerting.NewEvent(alerting.SourceDispatch, xerrors.CodeOf(err), err)
			event.Metadata = map[string]string{"message_id": user.ID, "command": text}
			alerting.Emit(ctx, o.alerter, event)
		}
		failure := o.store.Append(conversation.NewErrorMessage(failureText(err)))
		return &Outcome{User: user, Reply: failure}, nil
	}
	metrics.ObserveDispatch(metrics.OutcomeSuccess, len(actions))

	env := o.replier.Reply(ctx, reply.Request{
		Command: text,
		Actions: actions,
		History: history,
		Agents:  o.agents(ctx),
		Metrics: o.systemMetrics(ctx),
	})
	agentMsg := o.store.Append(conversation.NewAgentMessage(env.Message, actions, env.Metadata))

	logger.Audit().Info("命令处理完成",
		slog.String("message_id", user.ID),
		slog.String("reply_id", agentMsg.ID),
		slog.String("source", env.Source()),
		slog.Int("actions", len(actions)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return &Outcome{User: user, Reply: agentMsg}, nil
}

// dispatch 调用执行子系统，panic 视为派发失败。
func (o *Orchestrator) dispatch(ctx context.Context, text string) (actions []conversation.ActionRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			actions = nil
			err = xerrors.New(xerrors.CodeDispatchFailure, fmt.Sprintf("%v", r))
		}
	}()
	actions, err = o.dispatcher.Dispatch(ctx, text)
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeDispatchFailure, err, err.Error())
		}
		return nil, err
	}
	return actions, nil
}

func (o *Orchestrator) agents(ctx context.Context) []chat.AgentProfile {
	if o.roster == nil {
		return nil
	}
	return o.roster.Agents(ctx)
}

func (o *Orchestrator) systemMetrics(ctx context.Context) chat.SystemMetrics {
	if o.metrics == nil {
		return nil
	}
	return o.metrics.SystemMetrics(ctx)
}

func failureText(err error) string {
	detail := err.Error()
	if e, ok := xerrors.From(err); ok {
		detail = e.Message()
	}
	return fmt.Sprintf("I encountered an error while processing your command: %s. Please try again or rephrase your request.", detail)
}
