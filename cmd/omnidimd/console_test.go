package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OmniDimension/internal/config"
	"OmniDimension/internal/conversation"
	"OmniDimension/internal/orchestrator"
	"OmniDimension/internal/reply"
	"OmniDimension/internal/task"
	"OmniDimension/internal/voice"
)

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	queue := task.NewMemoryQueue(8)
	t.Cleanup(func() { _ = queue.Close() })
	svc := task.NewService(task.NewMemoryStore(), queue, 3)
	store := conversation.NewStore()
	out := &bytes.Buffer{}
	return &console{
		orchestrator: orchestrator.New(store, svc, reply.NewChain()),
		voice:        voice.NewController(nil),
		history:      store,
		out:          out,
		depth:        10,
	}, out
}

func TestConsoleRunsCommandsUntilQuit(t *testing.T) {
	c, out := newTestConsole(t)

	in := strings.NewReader("schedule a demo for friday\n/voice\n/history\n/quit\nemail nobody\n")
	require.NoError(t, c.run(context.Background(), in))

	text := out.String()
	assert.Contains(t, text, reply.StaticMessage)
	assert.Contains(t, text, "1 action(s) queued, reply via fallback")
	assert.Contains(t, text, "voice: listening")
	assert.Contains(t, text, "user: schedule a demo for friday")
	assert.Equal(t, 2, c.history.Len(), "lines after /quit are not executed")
}

func TestConsoleIgnoresBlankLines(t *testing.T) {
	c, _ := newTestConsole(t)

	assert.False(t, c.handle(context.Background(), ""))
	assert.True(t, c.handle(context.Background(), "/exit"))
	assert.Zero(t, c.history.Len())
}

func TestUnknownDriversAreRejected(t *testing.T) {
	_, err := createActionStore(context.Background(), config.StoreConfig{Driver: "sqlite"})
	assert.Error(t, err)

	_, err = createActionQueue(context.Background(), config.QueueConfig{Driver: "kafka"})
	assert.Error(t, err)

	queue, err := createActionQueue(context.Background(), config.QueueConfig{Driver: "memory", Size: 4})
	require.NoError(t, err)
	assert.NoError(t, queue.Close())
}
