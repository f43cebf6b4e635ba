package task

import (
	"context"

	xerrors "OmniDimension/internal/errors"
)

// Store 抽象了动作状态的持久化接口。
type Store interface {
	Create(ctx context.Context, action *Action) error
	Get(ctx context.Context, id string) (*Action, error)
	Claim(ctx context.Context, id string) (*Action, error)
	MarkSucceeded(ctx context.Context, id string, result ActionResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Action, error)
	Stats(ctx context.Context, opts ListOptions) (ActionStats, error)
	Close() error
}
