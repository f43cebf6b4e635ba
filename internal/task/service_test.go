package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OmniDimension/internal/errors"
)

type failingProducer struct {
	failAfter int
	published int
}

func (p *failingProducer) Publish(context.Context, string) error {
	if p.published >= p.failAfter {
		return stdErrors.New("broker unreachable")
	}
	p.published++
	return nil
}

func (p *failingProducer) Close() error { return nil }

func TestDispatchQueuesOneActionPerChannel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 0)

	refs, err := service.Dispatch(ctx, "Call Bob and email Carol")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, string(ChannelCall), refs[0].Kind)
	assert.Equal(t, string(ChannelEmail), refs[1].Kind)
	assert.NotEqual(t, refs[0].ID, refs[1].ID)

	for _, ref := range refs {
		action, err := service.Get(ctx, ref.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, action.Status)
		assert.Equal(t, 3, action.MaxRetries)
		assert.Equal(t, "Call Bob and email Carol", action.Command)
	}

	stats, err := service.Stats(ctx, WithStatuses(StatusPending))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestDispatchPublishFailureIsDispatchFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, &failingProducer{failAfter: 1}, 3)

	refs, err := service.Dispatch(ctx, "Call Bob and email Carol")
	assert.Nil(t, refs)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeDispatchFailure, xerrors.CodeOf(err))
	assert.True(t, xerrors.Visible(err))

	failed, err := service.List(ctx, WithStatuses(StatusFailed))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ChannelEmail, failed[0].Channel)
	assert.Equal(t, string(CodeActionPublish), failed[0].ErrorCode)
}

func TestDispatchWithoutQueue(t *testing.T) {
	_, err := NewService(nil, nil, 3).Dispatch(context.Background(), "call")
	assert.Equal(t, xerrors.CodeDispatchFailure, xerrors.CodeOf(err))
}

func TestSystemMetricsSummarisesStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(8), 3)

	refs, err := service.Dispatch(ctx, "Schedule a call")
	require.NoError(t, err)
	require.NoError(t, store.MarkSucceeded(ctx, refs[0].ID, ActionResult{Note: "ok"}))

	metrics := service.SystemMetrics(ctx)
	assert.Equal(t, 2, metrics["totalActions"])
	assert.Equal(t, 1, metrics["succeeded"])
	assert.Equal(t, 1, metrics["pending"])
	assert.Equal(t, 1.0, metrics["successRate"])
}

func TestWaitUntilCompleted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(8), 3)

	refs, err := service.Dispatch(ctx, "Email the report")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.MarkSucceeded(context.Background(), refs[0].ID, ActionResult{Note: "sent"})
	}()

	action, err := service.WaitUntilCompleted(ctx, refs[0].ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, action.Status)
}
