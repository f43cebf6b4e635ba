package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"OmniDimension/internal/chat"
	"OmniDimension/internal/conversation"
	xerrors "OmniDimension/internal/errors"
	"OmniDimension/internal/observability/metrics"
	"OmniDimension/internal/orchestrator"
	"OmniDimension/internal/task"
	"OmniDimension/internal/voice"
	"OmniDimension/pkg/logger"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 500
	maxBodyBytes             = 1 << 20
)

// Commander 执行一条操作员命令。
type Commander interface {
	ExecuteCommand(ctx context.Context, text string) (*orchestrator.Outcome, error)
}

// History 提供最近的会话消息。
type History interface {
	Recent(n int) []conversation.Message
}

// Completer 是补全代理。
type Completer interface {
	Complete(ctx context.Context, req chat.CompletionRequest) (chat.Envelope, int)
}

// ActionReader 暴露动作队列的只读视图。
type ActionReader interface {
	Get(ctx context.Context, id string) (*task.Action, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Action, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.ActionStats, error)
}

// Roster 返回当前智能体列表。
type Roster interface {
	Agents(ctx context.Context) []chat.AgentProfile
}

// VoiceToggler 控制语音采集状态。
type VoiceToggler interface {
	Toggle(ctx context.Context) (voice.State, error)
	State() voice.State
}

// Deps 汇总 HTTP 层依赖的组件，缺失的组件对应接口返回 503。
type Deps struct {
	Commands Commander
	History  History
	Proxy    Completer
	Actions  ActionReader
	Roster   Roster
	Voice    VoiceToggler
}

// Server 负责暴露 REST 接口，供操作员驱动命令编排。
type Server struct {
	addr            string
	deps            Deps
	commandLimiter  *limiterPool
	chatLimiter     *limiterPool
	trustForwarded  bool
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithRateLimit 设置每个客户端在命令与补全接口上的速率限制，两个接口各自计数。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.commandLimiter = newLimiterPool(rps, burst)
		s.chatLimiter = newLimiterPool(rps, burst)
	}
}

// WithTrustForwardedFor 声明服务部署在受信任的反向代理之后，限流按 X-Forwarded-For 识别客户端。
func WithTrustForwardedFor(trust bool) Option {
	return func(s *Server) {
		s.trustForwarded = trust
	}
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		commandLimiter:  newLimiterPool(0, 0),
		chatLimiter:     newLimiterPool(0, 0),
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	// 远程应答层从本机回调补全接口，本机调用不计入该接口的限流。
	r.Handle("/api/omnidimension/chat",
		s.rateLimit(s.chatLimiter, true)(http.HandlerFunc(s.handleChat))).Methods(http.MethodPost)
	r.Handle("/api/v1/commands",
		s.rateLimit(s.commandLimiter, false)(http.HandlerFunc(s.handleCommand))).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/conversation", s.handleConversation).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/actions", s.handleListActions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/actions/stats", s.handleActionStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/actions/{id}", s.handleActionDetail).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/agents", s.handleAgents).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/voice/toggle", s.handleVoiceToggle).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleChat 是无状态补全代理的 HTTP 入口。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proxy == nil {
		writeError(w, http.StatusServiceUnavailable, "补全代理未初始化")
		return
	}
	var req chat.CompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.logger.Error("补全请求解析失败", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, chat.Envelope{
			Message:  chat.ProxyFailureMessage,
			Metadata: map[string]any{chat.MetadataError: true},
		})
		return
	}
	env, status := s.deps.Proxy.Complete(r.Context(), req)
	writeJSON(w, status, env)
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		writeError(w, http.StatusServiceUnavailable, "编排器未初始化")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command 不能为空")
		return
	}

	outcome, err := s.deps.Commands.ExecuteCommand(r.Context(), req.Command)
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		writeError(w, http.StatusConflict, "已有命令正在处理")
		return
	case err != nil:
		s.logger.Error("命令执行失败", slog.Any("error", err))
		writeError(w, statusFor(err), publicMessage(err))
		return
	case outcome == nil:
		writeError(w, http.StatusBadRequest, "command 不能为空")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "会话存储未初始化")
		return
	}
	limit := defaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit 必须为正整数")
			return
		}
		limit = min(parsed, maxConversationLimit)
	}
	writeJSON(w, http.StatusOK, s.deps.History.Recent(limit))
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		writeError(w, http.StatusServiceUnavailable, "动作队列未初始化")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actions, err := s.deps.Actions.List(r.Context(), opts...)
	if err != nil {
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	if actions == nil {
		actions = []*task.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleActionStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		writeError(w, http.StatusServiceUnavailable, "动作队列未初始化")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.deps.Actions.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":       stats,
		"successRate": stats.SuccessRate(),
	})
}

func (s *Server) handleActionDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		writeError(w, http.StatusServiceUnavailable, "动作队列未初始化")
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, "缺少动作 ID")
		return
	}
	action, err := s.deps.Actions.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Roster == nil {
		writeJSON(w, http.StatusOK, []chat.AgentProfile{})
		return
	}
	agents := s.deps.Roster.Agents(r.Context())
	if agents == nil {
		agents = []chat.AgentProfile{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleVoiceToggle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		writeError(w, http.StatusServiceUnavailable, "语音采集未启用")
		return
	}
	state, err := s.deps.Voice.Toggle(r.Context())
	if err != nil {
		s.logger.Warn("切换语音采集失败", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"state": state,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 将查询参数映射为动作列表过滤条件。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.New("limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, errors.New("未知的动作状态: " + part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("channel"); raw != "" {
		var channels []task.Channel
		for _, part := range strings.Split(raw, ",") {
			channel := task.Channel(strings.TrimSpace(part))
			if !task.IsValidChannel(channel) {
				return nil, errors.New("未知的动作渠道: " + part)
			}
			channels = append(channels, channel)
		}
		opts = append(opts, task.WithChannels(channels...))
	}
	if raw := strings.TrimSpace(query.Get("q")); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := parseInstant(raw)
		if err != nil {
			return nil, errors.New("since 必须为 Unix 秒或 RFC3339 时间")
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseInstant(raw)
		if err != nil {
			return nil, errors.New("until 必须为 Unix 秒或 RFC3339 时间")
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := query.Get("has_result"); raw != "" {
		present, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(present))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

// parseInstant 接受 Unix 秒或 RFC3339 格式的时间。
func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs <= 0 {
			return time.Time{}, errors.New("时间必须为正数")
		}
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// statusFor 将统一错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	if errors.Is(err, task.ErrActionNotFound) {
		return http.StatusNotFound
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeBusy:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage 只把可见错误的原文返回给客户端。
func publicMessage(err error) string {
	if e, ok := xerrors.From(err); ok && xerrors.Visible(err) {
		return e.Message()
	}
	return "内部错误"
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
