// Package voice 管理语音采集的开关状态。采集本身由注入的 Recorder 完成，
// 状态机只在 idle 与 listening 之间切换，与命令处理互不影响。
package voice

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OmniDimension/internal/errors"
	"OmniDimension/pkg/logger"
)

// State 表示语音采集状态。
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
)

// Recorder 是不透明的录音能力。
type Recorder interface {
	Start(ctx context.Context) error
	Stop() error
}

// Controller 驱动 idle -> listening -> idle 状态机。
type Controller struct {
	mu       sync.Mutex
	recorder Recorder
	state    State
	logger   *slog.Logger
}

// NewController 创建控制器，recorder 为 nil 时使用 NopRecorder。
func NewController(recorder Recorder) *Controller {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Controller{
		recorder: recorder,
		state:    StateIdle,
		logger:   logger.Named("voice"),
	}
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start 开始采集。已在采集中时不做任何事。
func (c *Controller) Start(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateListening {
		return c.state, nil
	}
	if err := c.recorder.Start(ctx); err != nil {
		c.logger.Warn("启动语音采集失败", slog.Any("error", err))
		return c.state, xerrors.Wrap(xerrors.CodeUnknown, err, "启动语音采集失败")
	}
	c.state = StateListening
	c.logger.Info("语音采集已开始")
	return c.state, nil
}

// Stop 结束采集。录音器报错时状态仍回到 idle。
func (c *Controller) Stop() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return c.state, nil
	}
	err := c.recorder.Stop()
	c.state = StateIdle
	if err != nil {
		c.logger.Warn("停止语音采集失败", slog.Any("error", err))
		return c.state, xerrors.Wrap(xerrors.CodeUnknown, err, "停止语音采集失败")
	}
	c.logger.Info("语音采集已停止")
	return c.state, nil
}

// Toggle 在两个状态之间切换并返回新状态。
func (c *Controller) Toggle(ctx context.Context) (State, error) {
	if c.State() == StateListening {
		return c.Stop()
	}
	return c.Start(ctx)
}

// NopRecorder 不采集任何音频。
type NopRecorder struct{}

// Start 实现 Recorder。
func (NopRecorder) Start(context.Context) error { return nil }

// Stop 实现 Recorder。
func (NopRecorder) Stop() error { return nil }
