// Package proxy 实现无状态的远程补全代理：把会话历史与新命令转换为一次对话补全请求，
// 并把结果映射回回复 envelope。
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"OmniDimension/internal/chat"
	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/llm"
	"OmniDimension/internal/observability/metrics"
	"OmniDimension/pkg/logger"
)

// Temperature 是代理发送给上游的固定采样温度。
const Temperature = 0.7

// Service 负责把补全请求转发给大模型。
type Service struct {
	client llm.Client
	logger *slog.Logger
}

// NewService 构造代理服务。
func NewService(client llm.Client) *Service {
	return &Service{client: client, logger: logger.Named("proxy")}
}

// Complete 执行一次补全。任何失败都不会向调用方抛出，而是返回失败 envelope 与 5xx 状态码。
func (s *Service) Complete(ctx context.Context, req chat.CompletionRequest) (chat.Envelope, int) {
	if s == nil || s.client == nil {
		return s.fail(xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端"))
	}

	resp, err := s.client.Generate(ctx, llm.Request{
		Messages:    BuildMessages(req),
		Temperature: llm.Float(Temperature),
	})
	if err != nil {
		return s.fail(err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return s.fail(xerrors.New(xerrors.CodeUpstreamFailure, "上游返回空回复"))
	}

	metrics.ObserveProxyCompletion(metrics.OutcomeSuccess)
	return chat.Envelope{
		Message:  resp.Content,
		Metadata: map[string]any{chat.MetadataSource: chat.SourceRemote},
	}, http.StatusOK
}

func (s *Service) fail(err error) (chat.Envelope, int) {
	log := logger.Named("proxy")
	if s != nil && s.logger != nil {
		log = s.logger
	}
	log.Error("补全请求失败",
		slog.Any("error", err),
		slog.String("error_code", string(xerrors.CodeOf(err))),
	)
	metrics.ObserveProxyCompletion(metrics.OutcomeFailure)
	return chat.Envelope{
		Message:  chat.ProxyFailureMessage,
		Metadata: map[string]any{chat.MetadataError: true},
	}, http.StatusInternalServerError
}

// BuildMessages 把历史映射为上游角色：user 保持 user，其余一律为 assistant，最后追加本次命令。
func BuildMessages(req chat.CompletionRequest) []llm.Message {
	messages := make([]llm.Message, 0, len(req.ConversationHistory)+1)
	for _, entry := range req.ConversationHistory {
		role := llm.RoleAssistant
		if entry.Type == "user" {
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: entry.Content})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: req.Command})
}
