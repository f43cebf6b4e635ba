package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"OmniDimension/internal/agent"
	"OmniDimension/internal/api"
	"OmniDimension/internal/config"
	"OmniDimension/internal/conversation"
	"OmniDimension/internal/llm"
	"OmniDimension/internal/llm/openai"
	"OmniDimension/internal/observability/alerting"
	"OmniDimension/internal/orchestrator"
	"OmniDimension/internal/proxy"
	"OmniDimension/internal/reply"
	"OmniDimension/internal/task"
	"OmniDimension/internal/voice"
	"OmniDimension/internal/widget"
	"OmniDimension/pkg/logger"
)

// app 持有守护进程装配好的全部组件。
type app struct {
	cfg          *config.Config
	store        *conversation.Store
	actions      *task.Service
	processor    *task.Processor
	orchestrator *orchestrator.Orchestrator
	voice        *voice.Controller
	server       *api.Server
	logger       *slog.Logger

	closers []func() error
}

// newApp 按配置装配组件。返回错误时已创建的资源会被释放。
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logger.Named("omnidimd")}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	llmClient := a.createLLMClient()

	actionStore, err := createActionStore(ctx, cfg.Dispatch.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, actionStore.Close)

	queue, err := createActionQueue(ctx, cfg.Dispatch.Queue)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, queue.Close)

	alerter := createAlerter(cfg.Alerting)

	executor := agent.New(llmClient, agent.WithLLMTimeout(config.Seconds(cfg.LLM.OpenAI.TimeoutSeconds)))
	a.actions = task.NewService(actionStore, queue, cfg.Dispatch.MaxRetries)
	a.processor = task.NewProcessor(executor, actionStore, queue, queue,
		task.WithWorkerCount(cfg.Dispatch.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithRecoveryHandler(executor),
		task.WithAlertDispatcher(alerter),
	)

	roster := agent.NewRoster(cfg.Agents)

	remote, err := reply.NewRemoteSource(reply.RemoteConfig{
		URL:     cfg.Reply.RemoteURL,
		Timeout: config.Seconds(cfg.Reply.RemoteTimeoutSeconds),
	})
	if err != nil {
		return nil, err
	}
	tiers := []reply.Source{remote}

	if cfg.Widget.Enabled {
		w, err := widget.NewHTTPWidget(widget.HTTPConfig{
			BaseURL:       cfg.Widget.BaseURL,
			SecretKey:     cfg.Widget.SecretKey,
			Timeout:       config.Seconds(cfg.Widget.TimeoutSeconds),
			ProbeInterval: config.Seconds(cfg.Widget.ProbeIntervalSeconds),
		})
		if err != nil {
			return nil, err
		}
		release, err := widget.Open(ctx, w)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, release)
		tiers = append(tiers, reply.NewWidgetSource(w, config.Seconds(cfg.Widget.TimeoutSeconds)))
	}

	a.store = conversation.NewStore()
	a.orchestrator = orchestrator.New(a.store, a.actions, reply.NewChain(tiers...),
		orchestrator.WithRoster(roster),
		orchestrator.WithMetricsProvider(a.actions),
		orchestrator.WithHistoryDepth(cfg.Reply.HistoryDepth),
		orchestrator.WithAlertDispatcher(alerter),
	)
	a.voice = voice.NewController(nil)

	a.server = api.NewServer(cfg.Server.Address, api.Deps{
		Commands: a.orchestrator,
		History:  a.store,
		Proxy:    proxy.NewService(llmClient),
		Actions:  a.actions,
		Roster:   roster,
		Voice:    a.voice,
	},
		api.WithRateLimit(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst),
		api.WithTrustForwardedFor(cfg.Server.TrustForwardedFor),
		api.WithShutdownTimeout(config.Seconds(cfg.Server.ShutdownTimeoutSeconds)),
	)
	ready = true
	return a, nil
}

// createAlerter 未配置任何渠道时返回 nil，告警被跳过。
func createAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	if !cfg.Enabled() {
		return nil
	}
	var notifiers []alerting.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, config.Seconds(cfg.TimeoutSeconds)))
	}
	if cfg.Audit {
		notifiers = append(notifiers, alerting.AuditNotifier{})
	}
	return alerting.NewFanout(notifiers...)
}

// createLLMClient 在缺少密钥时返回 nil，补全代理与执行器会以可见错误降级。
func (a *app) createLLMClient() llm.Client {
	oc := a.cfg.LLM.OpenAI
	client, err := openai.NewClient(openai.Config{
		APIKey:      oc.APIKey,
		BaseURL:     oc.BaseURL,
		Model:       oc.Model,
		Temperature: oc.Temperature,
		Timeout:     config.Seconds(oc.TimeoutSeconds),
		MaxRetries:  oc.MaxRetries,
	})
	if err != nil {
		a.logger.Warn("大模型客户端不可用，远程回复与动作执行将降级",
			slog.String("api_key_env", oc.APIKeyEnv),
			slog.Any("error", err),
		)
		return nil
	}
	return client
}

func createActionStore(ctx context.Context, cfg config.StoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, task.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: config.Seconds(cfg.ConnMaxLifetimeSeconds),
		})
	default:
		return nil, fmt.Errorf("不支持的动作存储: %s", cfg.Driver)
	}
}

func createActionQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: config.Seconds(cfg.Redis.BlockWaitSeconds),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("不支持的动作队列: %s", cfg.Driver)
	}
}

// startProcessor 在后台运行动作处理器，返回的函数等待其退出。
func (a *app) startProcessor(ctx context.Context) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("动作处理器异常退出", slog.Any("error", err))
		}
	}()
	return func() { <-done }
}

// Close 按创建的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
