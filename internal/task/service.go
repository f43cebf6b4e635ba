package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OmniDimension/internal/chat"
	"OmniDimension/internal/conversation"
	xerrors "OmniDimension/internal/errors"
	"OmniDimension/pkg/logger"
)

// Service 负责把命令派发为排队动作，并提供动作查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	logger     *slog.Logger
}

// NewService 构造动作服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		store:      store,
		producer:   producer,
		maxRetries: maxRetries,
		logger:     logger.Named("dispatch"),
	}
}

// Dispatch 按渠道拆分命令，持久化每个动作并投递到队列。
// 投递失败的动作被标记为失败，整个派发以 DISPATCH_FAILURE 返回；此前已投递的动作保持排队。
func (s *Service) Dispatch(ctx context.Context, command string) ([]conversation.ActionRef, error) {
	if strings.TrimSpace(command) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "命令不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeDispatchFailure, "action queue is not configured")
	}

	steps := Plan(command)
	refs := make([]conversation.ActionRef, 0, len(steps))
	for _, step := range steps {
		action := &Action{
			ID:          uuid.NewString(),
			Command:     command,
			Channel:     step.Channel,
			Instruction: step.Instruction,
			Status:      StatusPending,
			MaxRetries:  s.maxRetries,
		}
		if err := s.store.Create(ctx, action); err != nil {
			s.logger.Error("记录动作失败", slog.Any("error", err), slog.String("channel", string(step.Channel)))
			return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err,
				fmt.Sprintf("could not record the %s action", step.Channel))
		}
		if err := s.producer.Publish(ctx, action.ID); err != nil {
			s.logger.Error("动作入队失败", slog.Any("error", err), slog.String("action_id", action.ID))
			wrapped := xerrors.Wrap(CodeActionPublish, err, "发布动作到队列失败")
			_ = s.store.MarkFailed(ctx, action.ID, CodeActionPublish, wrapped.Error(), true)
			return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err,
				fmt.Sprintf("could not queue the %s action", step.Channel))
		}
		logger.Audit().Info("动作入队成功",
			slog.String("action_id", action.ID),
			slog.String("channel", string(action.Channel)),
			slog.Int("max_retries", action.MaxRetries),
		)
		refs = append(refs, action.Ref())
	}
	return refs, nil
}

// Get 返回指定动作的状态。
func (s *Service) Get(ctx context.Context, id string) (*Action, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "动作存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的动作列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Action, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "动作存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的动作统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (ActionStats, error) {
	if s.store == nil {
		return ActionStats{}, xerrors.New(xerrors.CodeInitializationFailure, "动作存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// SystemMetrics 以回复链可用的形式汇总动作统计，查询失败时返回 nil。
func (s *Service) SystemMetrics(ctx context.Context) chat.SystemMetrics {
	stats, err := s.Stats(ctx)
	if err != nil {
		s.logger.Warn("获取动作统计失败", slog.Any("error", err))
		return nil
	}
	return chat.SystemMetrics{
		"totalActions": stats.Total,
		"pending":      stats.Pending,
		"running":      stats.Running,
		"succeeded":    stats.Succeeded,
		"failed":       stats.Failed,
		"successRate":  stats.SuccessRate(),
	}
}

// WaitUntilCompleted 轮询动作状态直到成功或失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Action, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		action, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if action.Status == StatusSucceeded || action.Status == StatusFailed {
			return action, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var firstErr error
	if s.store != nil {
		firstErr = s.store.Close()
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
