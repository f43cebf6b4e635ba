package alerting

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OmniDimension/internal/errors"
)

type recordingNotifier struct {
	mu      sync.Mutex
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestNewEventUsesRegisteredAttributes(t *testing.T) {
	event := NewEvent(SourceDispatch, xerrors.CodeDispatchFailure, nil)
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
	assert.Equal(t, xerrors.AttributesOf(xerrors.CodeDispatchFailure).Message, event.Message)
	assert.False(t, event.OccurredAt.IsZero())

	withCause := NewEvent(SourceAction, xerrors.CodeTimeout, stdErrors.New("model timed out"))
	assert.Equal(t, "model timed out", withCause.Message)
}

func TestFanoutJoinsNotifierErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelAudit}
	broken := &recordingNotifier{channel: ChannelWebhook, err: stdErrors.New("down")}
	fanout := NewFanout(ok, nil, broken)
	require.Equal(t, 2, fanout.Len())

	err := fanout.Notify(context.Background(), Event{Source: SourceAction, ActionID: "act-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel webhook")
	assert.Len(t, ok.events, 1)
	assert.Len(t, broken.events, 1)

	var nilFanout *FanoutDispatcher
	assert.NoError(t, nilFanout.Notify(context.Background(), Event{}))
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, time.Second)
	event := NewEvent(SourceAction, xerrors.CodeUpstreamFailure, stdErrors.New("empty reply"))
	event.ActionID = "act-9"
	event.Attempts = 3
	event.MaxRetries = 3
	require.NoError(t, notifier.Notify(context.Background(), event))

	got := <-received
	assert.Equal(t, SourceAction, got.Source)
	assert.Equal(t, xerrors.CodeUpstreamFailure, got.Code)
	assert.Equal(t, "act-9", got.ActionID)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "empty reply", got.Message)
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{Source: SourceDispatch})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	assert.NoError(t, NewWebhookNotifier("", 0).Notify(context.Background(), Event{}))
}

func TestEmitSwallowsErrors(t *testing.T) {
	broken := &recordingNotifier{channel: ChannelWebhook, err: stdErrors.New("down")}
	Emit(context.Background(), NewFanout(broken), Event{Source: SourceDispatch})
	Emit(context.Background(), nil, Event{Source: SourceDispatch})
	assert.Len(t, broken.events, 1)
}
