package task

import (
	"context"
	"sync"

	xerrors "OmniDimension/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，适用于单进程部署与测试。
// 数据 channel 从不关闭，关闭信号通过 done 广播给阻塞中的生产者与消费者。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

func errQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
}

// Publish 将动作投递到队列。队列满时阻塞，直到有空位、ctx 取消或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, actionID string) error {
	select {
	case <-q.done:
		return errQueueClosed()
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed()
	case q.ch <- actionID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的动作，直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case actionID := <-q.ch:
					_ = handler(ctx, actionID)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errQueueClosed()
}

// Close 关闭内存队列，唤醒所有阻塞的 Publish 与 Consume。可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
