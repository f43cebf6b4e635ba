package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "OmniDimension/internal/errors"
	"OmniDimension/pkg/logger"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultProbeInterval = 10 * time.Second
	scriptPath           = "web_widget.js"
	chatPath             = "chat"
)

// HTTPConfig 描述 HTTP 组件的访问参数。
type HTTPConfig struct {
	BaseURL       string
	SecretKey     string
	Timeout       time.Duration
	ProbeInterval time.Duration
	HTTPClient    *http.Client
}

// HTTPWidget 通过组件后端的 HTTP 接口提供对话能力。
type HTTPWidget struct {
	baseURL       *url.URL
	secretKey     string
	probeInterval time.Duration
	httpClient    *http.Client
	logger        *slog.Logger

	ready  atomic.Bool
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHTTPWidget 根据配置创建组件客户端。
func NewHTTPWidget(cfg HTTPConfig) (*HTTPWidget, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "组件地址不能为空")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析组件地址失败")
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPWidget{
		baseURL:       base,
		secretKey:     strings.TrimSpace(cfg.SecretKey),
		probeInterval: interval,
		httpClient:    client,
		logger:        logger.Named("widget"),
	}, nil
}

// Attach 在后台加载组件脚本，加载成功后组件变为可用。
func (w *HTTPWidget) Attach(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}
	loadCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.load(loadCtx, w.done)
	return nil
}

func (w *HTTPWidget) load(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.probeInterval)
	defer ticker.Stop()
	for {
		if err := w.probe(ctx); err == nil {
			w.ready.Store(true)
			w.logger.Info("对话组件已加载", slog.String("base_url", w.baseURL.String()))
			return
		} else if ctx.Err() == nil {
			w.logger.Debug("对话组件暂不可用", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *HTTPWidget) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint(scriptPath), nil)
	if err != nil {
		return err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("组件脚本返回状态 %d", resp.StatusCode)
	}
	return nil
}

// Detach 停止加载并将组件标记为不可用。
func (w *HTTPWidget) Detach() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	w.ready.Store(false)
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Available 返回组件是否已就绪。
func (w *HTTPWidget) Available() bool {
	return w != nil && w.ready.Load()
}

// Chat 调用组件的对话能力。
func (w *HTTPWidget) Chat(ctx context.Context, command string, opts Options) (Reply, error) {
	if !w.Available() {
		return Reply{}, xerrors.New(xerrors.CodeWidgetUnavailable, "")
	}

	payload, err := json.Marshal(struct {
		Command string `json:"command"`
		Options
	}{Command: command, Options: opts})
	if err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码组件请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint(chatPath), bytes.NewReader(payload))
	if err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "构建组件请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "请求对话组件失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Reply{}, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("对话组件返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析组件响应失败")
	}
	if strings.TrimSpace(reply.Message) == "" {
		return Reply{}, xerrors.New(xerrors.CodeUpstreamFailure, "组件响应内容为空")
	}
	return reply, nil
}

func (w *HTTPWidget) endpoint(path string) string {
	u := w.baseURL.ResolveReference(&url.URL{Path: path})
	if w.secretKey != "" {
		query := u.Query()
		query.Set("secret_key", w.secretKey)
		u.RawQuery = query.Encode()
	}
	return u.String()
}

var _ Widget = (*HTTPWidget)(nil)
