package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"OmniDimension/internal/chat"
	xerrors "OmniDimension/internal/errors"
)

const defaultRemoteTimeout = 30 * time.Second

// RemoteConfig 描述远程补全代理的访问方式。
type RemoteConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// RemoteSource 通过 HTTP 调用补全代理。
type RemoteSource struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

// NewRemoteSource 创建远程层。
func NewRemoteSource(cfg RemoteConfig) (*RemoteSource, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "补全代理地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteSource{url: endpoint, timeout: timeout, httpClient: client}, nil
}

// Name 实现 Source。
func (*RemoteSource) Name() string { return chat.SourceRemote }

// Reply 实现 Source。非 2xx、无法解析或没有内容的响应都视为失败。
func (s *RemoteSource) Reply(ctx context.Context, req Request) (chat.Envelope, error) {
	payload, err := json.Marshal(chat.CompletionRequest{
		Command:             req.Command,
		ConversationHistory: chat.HistoryFromMessages(req.History),
	})
	if err != nil {
		return chat.Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码补全请求失败")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return chat.Envelope{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "构建补全请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return chat.Envelope{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "请求补全代理失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return chat.Envelope{}, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("AI service error: %d", resp.StatusCode))
	}

	var env chat.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return chat.Envelope{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析补全响应失败")
	}
	if strings.TrimSpace(env.Message) == "" || env.Failed() {
		return chat.Envelope{}, xerrors.New(xerrors.CodeUpstreamFailure, "补全响应不可用")
	}
	if env.Metadata == nil {
		env.Metadata = map[string]any{}
	}
	return env, nil
}
