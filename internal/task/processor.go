package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/observability/alerting"
	"OmniDimension/internal/observability/metrics"
	"OmniDimension/pkg/logger"
)

// Executor 执行单个动作。
type Executor interface {
	Execute(ctx context.Context, action *Action) (*ActionResult, error)
}

// Processor 负责从队列消费动作并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 在动作最终失败时发送告警。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动动作处理循环，阻塞直到 ctx 取消或队列出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置动作消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, actionID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	action, err := p.store.Claim(ctx, actionID)
	if err != nil {
		if stdErrors.Is(err, ErrActionNotFound) || stdErrors.Is(err, ErrActionCompleted) || stdErrors.Is(err, ErrActionExhausted) {
			p.logger.Debug("跳过动作", slog.String("action_id", actionID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取动作失败", slog.Any("error", err), slog.String("action_id", actionID))
		return err
	}

	result, execErr := p.execute(ctx, action)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, action, execErr)
	}

	var record ActionResult
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, action.ID, record); err != nil {
		p.logger.Error("标记动作成功状态失败", slog.Any("error", err), slog.String("action_id", action.ID))
		if storeErr := p.store.MarkFailed(ctx, action.ID, CodeActionProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		return p.requeue(ctx, action, "标记成功失败后重投失败")
	}
	metrics.ObserveActionResult(string(StatusSucceeded))
	logger.Audit().Info("动作执行成功",
		slog.String("action_id", action.ID),
		slog.String("channel", string(action.Channel)),
		slog.Int("attempts", action.Attempts),
	)
	return nil
}

// execute 调用 Executor，panic 视为不可重试的执行失败。
func (p *Processor) execute(ctx context.Context, action *Action) (result *ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = xerrors.New(CodeActionProcessing, fmt.Sprintf("动作执行 panic: %v", r), xerrors.WithRetryable(false))
		}
	}()
	return p.executor.Execute(ctx, action)
}

func (p *Processor) handleExecutionFailure(ctx context.Context, action *Action, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeActionProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := action.Attempts >= action.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, action, execErr)
		switch {
		case recErr != nil:
			p.logger.Error("执行补偿逻辑失败",
				slog.Any("error", xerrors.Wrap(CodeActionCompensate, recErr, "动作补偿失败")),
				slog.String("action_id", action.ID))
		case fallback != nil:
			if fallback.Observations == "" {
				fallback.Observations = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, action.ID, *fallback); err == nil {
				metrics.ObserveActionResult("degraded")
				logger.Audit().Warn("动作降级完成",
					slog.String("action_id", action.ID),
					slog.String("channel", string(action.Channel)),
					slog.String("observations", fallback.Observations),
				)
				return nil
			}
			p.logger.Error("记录降级结果失败", slog.String("action_id", action.ID))
		}
	}

	if storeErr := p.store.MarkFailed(ctx, action.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记动作失败状态出错", slog.Any("error", storeErr), slog.String("action_id", action.ID))
		return storeErr
	}
	metrics.ObserveActionResult(string(StatusFailed))
	logger.Audit().Warn("动作执行失败",
		slog.String("action_id", action.ID),
		slog.String("channel", string(action.Channel)),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", action.Attempts),
		slog.Int("max_retries", action.MaxRetries),
	)

	if terminal {
		p.emitAlert(ctx, action, code, execErr)
	}

	if !terminal {
		if err := p.requeue(ctx, action, "动作重投失败"); err != nil {
			return err
		}
		p.logger.Debug("动作已重新排队", slog.String("action_id", action.ID), slog.Int("attempts", action.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, action *Action, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.NewEvent(alerting.SourceAction, code, cause)
	event.ActionID = action.ID
	event.Channel = string(action.Channel)
	event.Attempts = action.Attempts
	event.MaxRetries = action.MaxRetries
	event.Metadata = map[string]string{"command": action.Command}
	alerting.Emit(ctx, p.alerter, event)
}

func (p *Processor) requeue(ctx context.Context, action *Action, message string) error {
	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置动作生产者")
	}
	if err := p.producer.Publish(ctx, action.ID); err != nil {
		return xerrors.Wrap(CodeActionPublish, err, fmt.Sprintf("%s: %s", message, action.ID))
	}
	return nil
}
