package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"OmniDimension/internal/chat"
	"OmniDimension/internal/conversation"
	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/observability/alerting"
	"OmniDimension/internal/reply"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	commands []string
	actions  []conversation.ActionRef
	err      error
	panicVal any
	gate     chan struct{}
	entered  chan struct{}
	onCall   func()
}

func (d *fakeDispatcher) Dispatch(_ context.Context, command string) ([]conversation.ActionRef, error) {
	d.mu.Lock()
	d.commands = append(d.commands, command)
	d.mu.Unlock()
	if d.onCall != nil {
		d.onCall()
	}
	if d.entered != nil {
		close(d.entered)
	}
	if d.gate != nil {
		<-d.gate
	}
	if d.panicVal != nil {
		panic(d.panicVal)
	}
	return d.actions, d.err
}

func (d *fakeDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commands)
}

type fakeReplier struct {
	calls atomic.Int32
	last  reply.Request
	env   chat.Envelope
}

func (r *fakeReplier) Reply(_ context.Context, req reply.Request) chat.Envelope {
	r.calls.Add(1)
	r.last = req
	return r.env
}

type staticRoster []chat.AgentProfile

func (s staticRoster) Agents(context.Context) []chat.AgentProfile { return s }

type staticMetrics chat.SystemMetrics

func (s staticMetrics) SystemMetrics(context.Context) chat.SystemMetrics { return chat.SystemMetrics(s) }

func remoteEnvelope(text string) chat.Envelope {
	return chat.Envelope{Message: text, Metadata: map[string]any{"source": "remote"}}
}

func TestBlankCommandIsNoop(t *testing.T) {
	store := conversation.NewStore()
	dispatcher := &fakeDispatcher{}
	replier := &fakeReplier{}
	orch := New(store, dispatcher, replier)

	for _, text := range []string{"", "   ", "\n\t"} {
		outcome, err := orch.ExecuteCommand(context.Background(), text)
		require.NoError(t, err)
		assert.Nil(t, outcome)
	}
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, dispatcher.calls())
	assert.Equal(t, int32(0), replier.calls.Load())
	assert.False(t, orch.Busy())
}

func TestExecuteCommandAppendsUserThenReply(t *testing.T) {
	store := conversation.NewStore()
	actions := []conversation.ActionRef{{ID: "a1", Kind: "call"}, {ID: "a2", Kind: "call"}, {ID: "a3", Kind: "call"}}
	dispatcher := &fakeDispatcher{actions: actions}
	dispatcher.onCall = func() {
		recent := store.Recent(1)
		require.Len(t, recent, 1)
		assert.Equal(t, conversation.RoleUser, recent[0].Role)
	}
	replier := &fakeReplier{env: remoteEnvelope("Three calls queued.")}
	roster := staticRoster{{ID: "caller", Name: "Caller"}}
	orch := New(store, dispatcher, replier,
		WithRoster(roster),
		WithMetricsProvider(staticMetrics{"pending": 3}),
	)

	outcome, err := orch.ExecuteCommand(context.Background(), "Call all leads from yesterday")
	require.NoError(t, err)
	require.NotNil(t, outcome)

	msgs := store.Recent(10)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, "Call all leads from yesterday", msgs[0].Content)
	assert.Equal(t, conversation.RoleAgent, msgs[1].Role)
	assert.Equal(t, "Three calls queued.", msgs[1].Content)
	assert.Len(t, msgs[1].QueuedActions, 3)
	assert.Equal(t, "remote", msgs[1].Source())
	assert.False(t, msgs[1].IsError)

	assert.Equal(t, msgs[0].ID, outcome.User.ID)
	assert.Equal(t, msgs[1].ID, outcome.Reply.ID)

	assert.Equal(t, "Call all leads from yesterday", replier.last.Command)
	assert.Equal(t, actions, replier.last.Actions)
	assert.Equal(t, []chat.AgentProfile(roster), replier.last.Agents)
	assert.Equal(t, chat.SystemMetrics{"pending": 3}, replier.last.Metrics)
	assert.False(t, orch.Busy())
}

func TestStaticReplyIsStoredVerbatim(t *testing.T) {
	store := conversation.NewStore()
	chain := reply.NewChain()
	orch := New(store, &fakeDispatcher{}, chain)

	outcome, err := orch.ExecuteCommand(context.Background(), "status")
	require.NoError(t, err)
	assert.Equal(t, reply.StaticMessage, outcome.Reply.Content)
	assert.Equal(t, chat.SourceStatic, outcome.Reply.Source())
}

func TestHistoryWindowExcludesCurrentCommand(t *testing.T) {
	store := conversation.NewStore()
	for i := 0; i < 15; i++ {
		store.Append(conversation.NewUserMessage(fmt.Sprintf("m%d", i)))
	}
	replier := &fakeReplier{env: remoteEnvelope("ok")}
	orch := New(store, &fakeDispatcher{}, replier)

	_, err := orch.ExecuteCommand(context.Background(), "latest")
	require.NoError(t, err)

	history := replier.last.History
	require.Len(t, history, DefaultHistoryDepth)
	assert.Equal(t, "m5", history[0].Content)
	assert.Equal(t, "m14", history[len(history)-1].Content)
	for _, msg := range history {
		assert.NotEqual(t, "latest", msg.Content)
	}
}

func TestDispatchFailureAppendsErrorMessage(t *testing.T) {
	store := conversation.NewStore()
	replier := &fakeReplier{env: remoteEnvelope("unused")}
	orch := New(store, &fakeDispatcher{err: stdErrors.New("queue offline")}, replier)

	outcome, err := orch.ExecuteCommand(context.Background(), "Schedule a demo")
	require.NoError(t, err)

	assert.Equal(t, 2, store.Len())
	assert.True(t, outcome.Reply.IsError)
	assert.Equal(t, conversation.RoleAgent, outcome.Reply.Role)
	assert.Equal(t,
		"I encountered an error while processing your command: queue offline. Please try again or rephrase your request.",
		outcome.Reply.Content)
	assert.Equal(t, int32(0), replier.calls.Load())
	assert.False(t, orch.Busy())
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestDispatchFailureRaisesAlert(t *testing.T) {
	alerter := &recordingAlerter{}
	orch := New(conversation.NewStore(), &fakeDispatcher{err: stdErrors.New("queue offline")}, &fakeReplier{},
		WithAlertDispatcher(alerter))

	outcome, err := orch.ExecuteCommand(context.Background(), "Schedule a demo")
	require.NoError(t, err)
	require.Len(t, alerter.events, 1)

	event := alerter.events[0]
	assert.Equal(t, alerting.SourceDispatch, event.Source)
	assert.Equal(t, xerrors.CodeDispatchFailure, event.Code)
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
	assert.Equal(t, outcome.User.ID, event.Metadata["message_id"])
	assert.Equal(t, "Schedule a demo", event.Metadata["command"])

	ok := New(conversation.NewStore(), &fakeDispatcher{}, &fakeReplier{env: remoteEnvelope("done")},
		WithAlertDispatcher(alerter))
	_, err = ok.ExecuteCommand(context.Background(), "Call Ann")
	require.NoError(t, err)
	assert.Len(t, alerter.events, 1)
}

func TestDispatchPanicIsRecovered(t *testing.T) {
	store := conversation.NewStore()
	replier := &fakeReplier{}
	orch := New(store, &fakeDispatcher{panicVal: "nil map"}, replier)

	outcome, err := orch.ExecuteCommand(context.Background(), "Email the team")
	require.NoError(t, err)

	assert.True(t, outcome.Reply.IsError)
	assert.True(t, strings.Contains(outcome.Reply.Content, "nil map"))
	assert.Equal(t, int32(0), replier.calls.Load())
	assert.False(t, orch.Busy())
}

func TestConcurrentCommandIsRejected(t *testing.T) {
	store := conversation.NewStore()
	dispatcher := &fakeDispatcher{gate: make(chan struct{}), entered: make(chan struct{})}
	orch := New(store, dispatcher, &fakeReplier{env: remoteEnvelope("done")})

	done := make(chan error, 1)
	go func() {
		_, err := orch.ExecuteCommand(context.Background(), "first")
		done <- err
	}()
	<-dispatcher.entered
	assert.True(t, orch.Busy())

	outcome, err := orch.ExecuteCommand(context.Background(), "second")
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, ErrBusy)

	close(dispatcher.gate)
	require.NoError(t, <-done)

	assert.False(t, orch.Busy())
	assert.Equal(t, 1, dispatcher.calls())
	msgs := store.Recent(10)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
}

func TestUninitialisedOrchestrator(t *testing.T) {
	orch := New(nil, nil, nil)
	_, err := orch.ExecuteCommand(context.Background(), "hello")
	assert.Error(t, err)
	assert.False(t, orch.Busy())
}
