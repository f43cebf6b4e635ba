package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/llm"
	"OmniDimension/internal/task"
)

type stubLLM struct {
	resp *llm.Response
	err  error
	wait time.Duration
	last llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func callAction() *task.Action {
	return &task.Action{ID: "a1", Channel: task.ChannelCall, Instruction: "Call all leads from yesterday", Attempts: 1}
}

func TestAgentExecuteSuccess(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Content: "Dial the 3 leads.", Model: "gpt-3.5-turbo"}}
	ag := New(llmClient)

	result, err := ag.Execute(context.Background(), callAction())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Note != "Dial the 3 leads." || result.Model != "gpt-3.5-turbo" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(llmClient.last.Messages) != 2 || llmClient.last.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("unexpected prompt: %+v", llmClient.last.Messages)
	}
	if llmClient.last.Messages[1].Content != "Call all leads from yesterday" {
		t.Fatalf("instruction not forwarded: %+v", llmClient.last.Messages[1])
	}
}

func TestAgentExecuteTimeout(t *testing.T) {
	llmClient := &stubLLM{wait: 50 * time.Millisecond}
	ag := New(llmClient, WithLLMTimeout(10*time.Millisecond))

	_, err := ag.Execute(context.Background(), callAction())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("timeouts should be retryable")
	}
}

func TestAgentExecuteEmptyContent(t *testing.T) {
	ag := New(&stubLLM{resp: &llm.Response{Content: "  "}})
	_, err := ag.Execute(context.Background(), callAction())
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestAgentRecover(t *testing.T) {
	ag := New(nil)
	result, err := ag.Recover(context.Background(), callAction(), errors.New("model offline"))
	if err != nil || result == nil {
		t.Fatalf("expected fallback result, got %v %v", result, err)
	}

	result, _ = ag.Recover(context.Background(), callAction(), xerrors.New(xerrors.CodeInvalidArgument, ""))
	if result != nil {
		t.Fatalf("invalid instructions should not be degraded")
	}
}

func TestRosterCopiesAndUpdates(t *testing.T) {
	roster := NewRoster(nil)
	agents := roster.Agents(context.Background())
	if len(agents) != 3 {
		t.Fatalf("expected default roster, got %d", len(agents))
	}
	agents[0].Capabilities[0] = "mutated"

	if !roster.SetStatus("scheduler", StatusPaused) {
		t.Fatalf("expected scheduler to exist")
	}
	again := roster.Agents(context.Background())
	if again[0].Capabilities[0] != "call" {
		t.Fatalf("roster leaked internal state")
	}
	if again[1].Status != StatusPaused {
		t.Fatalf("status not updated: %+v", again[1])
	}
}
