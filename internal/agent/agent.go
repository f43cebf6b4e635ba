package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/llm"
	"OmniDimension/internal/task"
)

// defaultLLMTimeout 是单个动作调用大模型的默认超时时间。
const defaultLLMTimeout = 60 * time.Second

// executionTemperature 让执行说明保持稳定。
const executionTemperature = 0.2

// channelBriefs 描述每个渠道在执行说明中应关注的内容。
var channelBriefs = map[task.Channel]string{
	task.ChannelCall:     "Plan the outbound phone call: who to call, the opening line and the goal of the call.",
	task.ChannelSchedule: "Plan the calendar booking: participants, a proposed time window and the agenda.",
	task.ChannelEmail:    "Draft the email: recipients, subject line and a short body.",
	task.ChannelGeneral:  "Describe the concrete next step an operator should take.",
}

// Agent 通过大模型为动作生成执行说明，实现 task.Executor。
type Agent struct {
	llmClient  llm.Client
	llmTimeout time.Duration
	persona    string
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.llmTimeout = timeout
		}
	}
}

// WithPersona 覆盖系统提示中的角色描述。
func WithPersona(persona string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(persona) != "" {
			a.persona = persona
		}
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:  llmClient,
		llmTimeout: defaultLLMTimeout,
		persona:    "You are an operations agent that turns operator requests into executable steps. Answer in at most three sentences.",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Execute 请求大模型为动作生成执行说明。
func (a *Agent) Execute(ctx context.Context, action *task.Action) (*task.ActionResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端", xerrors.WithRetryable(false))
	}
	if action == nil || strings.TrimSpace(action.Instruction) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "动作指令不能为空")
	}

	llmCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()

	resp, err := a.llmClient.Generate(llmCtx, llm.Request{
		Messages:    a.buildMessages(action),
		Temperature: llm.Float(executionTemperature),
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "大模型推理失败")
	}

	note := strings.TrimSpace(resp.Content)
	if note == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "大模型返回空的执行说明")
	}
	return &task.ActionResult{
		Note:         note,
		Model:        resp.Model,
		Observations: fmt.Sprintf("第 %d 次尝试完成", action.Attempts),
	}, nil
}

// Recover 在不可重试的失败后给出人工跟进的降级说明，实现 task.RecoveryHandler。
func (a *Agent) Recover(_ context.Context, action *task.Action, cause error) (*task.ActionResult, error) {
	if action == nil {
		return nil, nil
	}
	// 参数错误说明指令本身有问题，不做降级。
	if xerrors.CodeOf(cause) == xerrors.CodeInvalidArgument {
		return nil, nil
	}
	return &task.ActionResult{
		Note: fmt.Sprintf("Automatic planning for this %s action is unavailable; it has been handed to an operator: %s",
			action.Channel, action.Instruction),
		Observations: fmt.Sprintf("降级处理: %v", cause),
	}, nil
}

func (a *Agent) buildMessages(action *task.Action) []llm.Message {
	brief, ok := channelBriefs[action.Channel]
	if !ok {
		brief = channelBriefs[task.ChannelGeneral]
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: a.persona + " " + brief},
		{Role: llm.RoleUser, Content: action.Instruction},
	}
}

var (
	_ task.Executor        = (*Agent)(nil)
	_ task.RecoveryHandler = (*Agent)(nil)
)
