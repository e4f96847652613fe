package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"wallets-quickstart/internal/agent"
	"wallets-quickstart/internal/api"
	"wallets-quickstart/internal/auth"
	"wallets-quickstart/internal/config"
	"wallets-quickstart/internal/executor"
	"wallets-quickstart/internal/knowledge"
	"wallets-quickstart/internal/llm"
	"wallets-quickstart/internal/llm/openai"
	"wallets-quickstart/internal/llm/pythonbridge"
	"wallets-quickstart/internal/observability/alerting"
	"wallets-quickstart/internal/observability/metrics"
	"wallets-quickstart/internal/routing"
	"wallets-quickstart/internal/storage/mysql"
	"wallets-quickstart/internal/storage/redis"
	"wallets-quickstart/internal/task"
	"wallets-quickstart/internal/toolpolicy"
	"wallets-quickstart/internal/workflow"
	"wallets-quickstart/pkg/logger"
)

// main 是对话服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("agentd")

	var redisRegistry *redis.Registry
	if cfg.Redis.Enabled() {
		redisRegistry, err = redis.NewRegistry(ctx, redis.Config{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: 5 * time.Second,
			DBs:         append([]int{cfg.Redis.CacheDB, cfg.Redis.QueueDB}, cfg.Redis.DBs...),
		})
		if err != nil {
			return err
		}
		defer redisRegistry.Close()
	}

	db, err := openDatabase(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	workflowStore, err := buildWorkflowStore(cfg, db, redisRegistry)
	if err != nil {
		return err
	}
	defer workflowStore.Close()
	workflowService := workflow.NewService(workflowStore, workflow.WithValidator(agent.ValidateDefinition))

	llmClient, err := createLLMClient(cfg.LLM)
	if err != nil {
		return err
	}

	router, err := buildRouter(cfg, llmClient)
	if err != nil {
		return err
	}

	gate := toolpolicy.NewGate(cfg.ToolPolicy, toolpolicy.WithObserver(metrics.ObserveSuppression))
	log.Info("工具调用策略已确定", slog.String("policy", string(cfg.ToolPolicy)))

	retriever, err := buildRetriever(cfg.Knowledge)
	if err != nil {
		return err
	}

	tools, err := buildTools(cfg, llmClient, retriever)
	if err != nil {
		return err
	}

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for _, hook := range cfg.Alerting.Webhooks {
		notifier, err := alerting.NewWebhookNotifier(hook.Name, hook.URL, hook.Headers, time.Duration(hook.TimeoutSeconds)*time.Second)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, notifier)
	}
	alerts := alerting.NewFanout(notifiers...)
	runAlerts := alerting.RunObserver(alerts, 10*time.Second)

	exec := executor.New(tools,
		executor.WithGate(gate),
		executor.WithRetryDelay(time.Duration(cfg.Executor.RetryDelayMillis)*time.Millisecond),
		executor.WithDefaultTimeout(time.Duration(cfg.Executor.DefaultTimeoutMillis)*time.Millisecond),
		executor.WithMaxParallel(cfg.Executor.MaxParallel),
		executor.WithRunObserver(func(run *executor.Run) {
			metrics.ObserveRun(run)
			runAlerts(run)
		}),
	)

	chatAgent := agent.New(router, exec,
		agent.WithWorkflowStore(workflowStore),
		agent.WithRunTimeout(time.Duration(cfg.Server.RequestTimeoutSecs)*time.Second),
	)

	taskStore, err := buildTaskStore(cfg.Storage.TaskStore, db)
	if err != nil {
		return err
	}
	taskQueue, err := buildTaskQueue(cfg, redisRegistry)
	if err != nil {
		return err
	}
	taskService := task.NewService(taskStore, taskQueue, cfg.TaskQueue.MaxAttempts,
		task.WithMaxInputRunes(cfg.TaskQueue.MaxInputRunes))
	defer func() {
		if err := taskService.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithExecTimeout(time.Duration(cfg.TaskQueue.ExecTimeoutSecs) * time.Second),
		task.WithAlertDispatcher(alerts),
	}
	if reply := strings.TrimSpace(cfg.TaskQueue.FallbackReply); reply != "" {
		processorOpts = append(processorOpts, task.WithRecoveryHandler(task.FallbackReply(reply)))
	}
	processor := task.NewProcessor(chatAgent, taskStore, taskQueue, taskQueue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, chatAgent,
		api.WithAuth(authService),
		api.WithWorkflowService(workflowService),
		api.WithTaskService(taskService),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.RequestTimeoutSecs)*time.Second,
		),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openDatabase 在任一存储使用 mysql 时建立共享连接池，两者 DSN 不同时以工作流存储为准。
func openDatabase(ctx context.Context, storage config.StorageConfig) (*sql.DB, error) {
	var target *config.StoreConfig
	for _, candidate := range []*config.StoreConfig{&storage.Workflow, &storage.TaskStore} {
		if strings.EqualFold(candidate.Driver, "mysql") {
			target = candidate
			break
		}
	}
	if target == nil {
		return nil, nil
	}
	return mysql.Open(ctx, mysql.Config{
		DSN:             target.DSN,
		MaxOpenConns:    target.MaxOpenConns,
		MaxIdleConns:    target.MaxIdleConns,
		ConnMaxLifetime: time.Duration(target.ConnMaxLifetime) * time.Second,
	})
}

func buildWorkflowStore(cfg *config.Config, db *sql.DB, registry *redis.Registry) (workflow.Store, error) {
	var store workflow.Store
	switch strings.ToLower(cfg.Storage.Workflow.Driver) {
	case "", "memory":
		store = workflow.NewMemoryStore()
	case "mysql":
		store = workflow.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("%w: %s", mysql.ErrUnsupportedDriver, cfg.Storage.Workflow.Driver)
	}
	if registry == nil || cfg.Storage.Workflow.CacheTTLSeconds <= 0 {
		return store, nil
	}
	client, err := registry.Acquire(cfg.Redis.CacheDB)
	if err != nil {
		return nil, err
	}
	return workflow.NewCachedStore(store, client, time.Duration(cfg.Storage.Workflow.CacheTTLSeconds)*time.Second), nil
}

func buildTaskStore(storeCfg config.StoreConfig, db *sql.DB) (task.Store, error) {
	switch strings.ToLower(storeCfg.Driver) {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(db), nil
	default:
		return nil, fmt.Errorf("%w: %s", mysql.ErrUnsupportedDriver, storeCfg.Driver)
	}
}

func buildTaskQueue(cfg *config.Config, registry *redis.Registry) (task.Queue, error) {
	switch strings.ToLower(cfg.TaskQueue.Driver) {
	case "", "memory":
		return task.NewMemoryQueue(cfg.TaskQueue.BufferSize), nil
	case "redis":
		if registry == nil {
			return nil, errors.New("redis 队列需要配置 redis.address")
		}
		client, err := registry.Acquire(cfg.Redis.QueueDB)
		if err != nil {
			return nil, err
		}
		return task.NewRedisQueue(client, cfg.TaskQueue.Name, 5*time.Second)
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.URL,
			Queue:    cfg.TaskQueue.Name,
			Prefetch: cfg.TaskQueue.Workers,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}

// createLLMClient 根据配置选择模型实现，未配置密钥的 openai 返回 nil，模型相关能力随之关闭。
func createLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		key := cfg.ResolvedAPIKey()
		if key == "" {
			logger.L().Warn("未配置 OpenAI API Key，模型路由与回复将不可用")
			return nil, nil
		}
		return openai.NewClient(openai.Config{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.Python.PythonExecutable, script, cfg.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的大模型提供方: %s", cfg.Provider)
	}
}

func buildRouter(cfg *config.Config, client llm.Client) (*routing.Router, error) {
	lex, err := routing.LoadLexicon(cfg.Routing.LexiconPath)
	if err != nil {
		return nil, err
	}
	if cfg.Routing.MaxChineseChars > 0 {
		lex.MaxChineseChars = cfg.Routing.MaxChineseChars
	}
	if cfg.Routing.MaxASCIIChars > 0 {
		lex.MaxASCIIChars = cfg.Routing.MaxASCIIChars
	}

	var model routing.Classifier
	if client != nil {
		model = routing.NewRoutingAgent(client, routing.WithModelTimeout(time.Duration(cfg.Routing.ModelTimeoutSeconds)*time.Second))
	}
	return routing.NewRouter(lex, model, routing.WithDecisionObserver(metrics.ObserveRoute))
}

func buildRetriever(cfg config.KnowledgeConfig) (knowledge.Retriever, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch {
	case strings.TrimSpace(cfg.Endpoint) != "":
		return knowledge.NewHTTPRetriever(cfg.Endpoint, cfg.MaxResults, timeout)
	case strings.TrimSpace(cfg.Path) != "":
		return knowledge.LoadStaticRetriever(cfg.Path, cfg.MaxResults)
	default:
		return knowledge.NewStaticRetriever(nil, cfg.MaxResults), nil
	}
}

// buildTools 注册内置工具与配置中的业务服务，服务名按字典序注册。
func buildTools(cfg *config.Config, client llm.Client, retriever knowledge.Retriever) (executor.Registry, error) {
	tools := executor.Registry{}
	if client != nil {
		tools.Register(agent.ToolLLM, agent.NewLLMTool(client, retriever))
	}
	tools.Register(agent.ToolKnowledge, agent.NewKnowledgeTool(retriever))

	names := make([]string, 0, len(cfg.Tools.Services))
	for name := range cfg.Tools.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	httpClient := &http.Client{Timeout: time.Duration(cfg.Executor.DefaultTimeoutMillis) * time.Millisecond}
	for _, name := range names {
		service, err := agent.NewHTTPService(name, cfg.Tools.Services[name], httpClient)
		if err != nil {
			return nil, err
		}
		tools.Register(name, service)
	}
	return tools, nil
}
