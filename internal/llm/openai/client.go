package openai

import (
	"context"
	stdErrors "errors"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/llm"
)

const (
	defaultModelName   = "gpt-3.5-turbo"
	defaultTemperature = 0.7
	defaultTimeout     = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	// MaxRetries 为 SDK 内部的重试次数，0 表示不重试。
	MaxRetries int
	HTTPClient *http.Client
}

// Client 通过官方 SDK 调用 OpenAI 对话补全能力。
type Client struct {
	sdk         sdk.Client
	model       string
	temperature float64
	timeout     time.Duration
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(retries),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{
		sdk:         sdk.NewClient(opts...),
		model:       model,
		temperature: temperature,
		timeout:     timeout,
	}, nil
}

// Generate 发送有序的对话消息并返回第一条候选内容。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对话消息不能为空")
	}

	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.sdk.Chat.Completions.New(callCtx, sdk.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    buildMessages(req.Messages),
		Temperature: sdk.Float(temperature),
	})
	if err != nil {
		return nil, classify(err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应中没有有效的 choices")
	}

	// 原样返回回复内容，仅在判空时忽略首尾空白。
	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应内容为空")
	}
	return &llm.Response{Content: content, Model: completion.Model}, nil
}

func buildMessages(messages []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, sdk.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			out = append(out, sdk.AssistantMessage(msg.Content))
		default:
			out = append(out, sdk.UserMessage(msg.Content))
		}
	}
	return out
}

// classify 将 SDK 错误归类为上游状态错误、超时或传输错误。
func classify(err error) error {
	var apiErr *sdk.Error
	if stdErrors.As(err, &apiErr) {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "OpenAI 返回错误状态",
			xerrors.WithMetadata("status", http.StatusText(apiErr.StatusCode)))
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "OpenAI 请求超时")
	}
	return xerrors.Wrap(xerrors.CodeTransportFailure, err, "请求 OpenAI 失败")
}
