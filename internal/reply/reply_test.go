package reply

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"OmniDimension/internal/chat"
	"OmniDimension/internal/conversation"
	"OmniDimension/internal/widget"
)

type mockWidget struct {
	mock.Mock
}

func (m *mockWidget) Attach(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockWidget) Detach() error                     { return m.Called().Error(0) }
func (m *mockWidget) Available() bool                   { return m.Called().Bool(0) }
func (m *mockWidget) Chat(ctx context.Context, command string, opts widget.Options) (widget.Reply, error) {
	args := m.Called(ctx, command, opts)
	return args.Get(0).(widget.Reply), args.Error(1)
}

type countingSource struct {
	name  string
	calls atomic.Int32
	env   chat.Envelope
	err   error
	panic bool
}

func (s *countingSource) Name() string { return s.name }

func (s *countingSource) Reply(context.Context, Request) (chat.Envelope, error) {
	s.calls.Add(1)
	if s.panic {
		panic("tier exploded")
	}
	return s.env, s.err
}

func proxyServer(t *testing.T, status int, body any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req chat.CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Validate() {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newRemote(t *testing.T, url string) *RemoteSource {
	t.Helper()
	remote, err := NewRemoteSource(RemoteConfig{URL: url, Timeout: time.Second})
	require.NoError(t, err)
	return remote
}

func TestRemoteSuccessStopsChain(t *testing.T) {
	srv, _ := proxyServer(t, http.StatusOK, chat.Envelope{
		Message:  "All 3 calls are queued.",
		Metadata: map[string]any{"source": "remote"},
	})
	w := &mockWidget{}
	chain := NewChain(newRemote(t, srv.URL), NewWidgetSource(w, time.Second))

	env := chain.Reply(context.Background(), Request{Command: "Call all leads from yesterday"})

	assert.Equal(t, "All 3 calls are queued.", env.Message)
	assert.Equal(t, chat.SourceRemote, env.Source())
	w.AssertNotCalled(t, "Available")
	w.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything, mock.Anything)
}

func TestRemoteMissingMetadataDefaultsToEmpty(t *testing.T) {
	srv, _ := proxyServer(t, http.StatusOK, map[string]any{"message": "ok"})
	env, err := newRemote(t, srv.URL).Reply(context.Background(), Request{Command: "x"})
	require.NoError(t, err)
	assert.NotNil(t, env.Metadata)
	assert.Empty(t, env.Metadata)
}

func TestRemoteErrorStatusWithoutWidgetFallsBackToStatic(t *testing.T) {
	srv, calls := proxyServer(t, http.StatusInternalServerError, chat.Envelope{
		Message:  chat.ProxyFailureMessage,
		Metadata: map[string]any{"error": true},
	})
	chain := NewChain(newRemote(t, srv.URL), NewWidgetSource(nil, 0))

	env := chain.Reply(context.Background(), Request{Command: "x"})

	assert.Equal(t, StaticMessage, env.Message)
	assert.Equal(t, chat.SourceStatic, env.Source())
	assert.Equal(t, int32(1), calls.Load())
}

func TestRemoteMalformedEnvelopeIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := newRemote(t, srv.URL).Reply(context.Background(), Request{Command: "x"})
	assert.Error(t, err)
}

func TestRemoteUnreachableFallsThroughToWidget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	history := []conversation.Message{conversation.NewUserMessage("earlier")}
	agents := []chat.AgentProfile{{ID: "a1", Name: "Caller"}}
	metrics := chat.SystemMetrics{"pending": 3}

	w := &mockWidget{}
	w.On("Available").Return(true)
	w.On("Chat", mock.Anything, "status?", widget.Options{Context: history, Agents: agents, Metrics: metrics}).
		Return(widget.Reply{Message: "from widget"}, nil)

	chain := NewChain(newRemote(t, url), NewWidgetSource(w, time.Second))
	env := chain.Reply(context.Background(), Request{Command: "status?", History: history, Agents: agents, Metrics: metrics})

	assert.Equal(t, "from widget", env.Message)
	assert.Equal(t, chat.SourceWidget, env.Source())
	w.AssertExpectations(t)
}

func TestWidgetFailureFallsBackToStatic(t *testing.T) {
	w := &mockWidget{}
	w.On("Available").Return(true)
	w.On("Chat", mock.Anything, mock.Anything, mock.Anything).Return(widget.Reply{}, stdErrors.New("widget crashed"))

	remote := &countingSource{name: "remote", err: stdErrors.New("down")}
	env := NewChain(remote, NewWidgetSource(w, time.Second)).Reply(context.Background(), Request{Command: "x"})

	assert.Equal(t, StaticMessage, env.Message)
	assert.Equal(t, int32(1), remote.calls.Load())
}

func TestUnavailableWidgetIsNotCalled(t *testing.T) {
	w := &mockWidget{}
	w.On("Available").Return(false)

	env := NewChain(NewWidgetSource(w, time.Second)).Reply(context.Background(), Request{Command: "x"})

	assert.Equal(t, chat.SourceStatic, env.Source())
	w.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything, mock.Anything)
}

func TestPanickingTierIsIsolated(t *testing.T) {
	first := &countingSource{name: "first", panic: true}
	second := &countingSource{name: "second", env: chat.Envelope{Message: "second", Metadata: map[string]any{}}}

	env := NewChain(first, second).Reply(context.Background(), Request{Command: "x"})

	assert.Equal(t, "second", env.Message)
	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(1), second.calls.Load())
}

func TestEachTierAttemptedOnce(t *testing.T) {
	a := &countingSource{name: "a", err: stdErrors.New("a")}
	b := &countingSource{name: "b", err: stdErrors.New("b")}
	chain := NewChain(a, nil, b)

	env := chain.Reply(context.Background(), Request{Command: "x"})

	assert.Equal(t, StaticMessage, env.Message)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, []string{"a", "b", "fallback"}, chain.Tiers())
}

func TestNewRemoteSourceValidation(t *testing.T) {
	_, err := NewRemoteSource(RemoteConfig{})
	assert.Error(t, err)
}
