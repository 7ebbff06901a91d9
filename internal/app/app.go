package app

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"evm-defi-agent/internal/agent"
	"evm-defi-agent/internal/chat"
	"evm-defi-agent/internal/config"
	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/llm"
	"evm-defi-agent/internal/llm/openai"
	"evm-defi-agent/internal/llm/pythonbridge"
	"evm-defi-agent/internal/mcp"
	"evm-defi-agent/internal/observability/alerting"
	"evm-defi-agent/internal/observability/metrics"
	"evm-defi-agent/internal/storage/redis"
	"evm-defi-agent/internal/storage/sqlstore"
	"evm-defi-agent/internal/task"
	"evm-defi-agent/internal/web3"
	"evm-defi-agent/internal/web3/provider"
	"evm-defi-agent/pkg/logger"
)

// App 持有运行期的全部组件。
type App struct {
	Config    *config.Config
	Model     llm.Client
	Chat      *chat.Service
	Tasks     *task.Service
	Processor *task.Processor

	databases map[string]*sqlstore.DB
	closers   []func() error
}

// Build 按配置创建组件，但不会启动任何后台协程。
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg, databases: make(map[string]*sqlstore.DB)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	model, err := NewModel(cfg.LLM)
	if err != nil {
		return nil, err
	}
	a.Model = model

	sessions, err := a.sessionStore(ctx)
	if err != nil {
		return nil, err
	}

	orchestrator := agent.New(model,
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithArgumentPolicy(cfg.Agent.Policy),
		agent.WithModelTimeout(cfg.Agent.ModelTimeout),
		agent.WithToolTimeouts(cfg.MCP.CallTimeout, cfg.MCP.LongCallTimeout),
	)

	chatOpts := []chat.Option{
		chat.WithSessionStore(sessions),
		chat.WithConnector(Connector(cfg.MCP)),
		chat.WithSystemPrompt(cfg.Agent.SystemPrompt),
		chat.WithDirectCallTimeouts(cfg.MCP.CallTimeout, cfg.MCP.LongCallTimeout),
	}
	if cfg.Agent.WalletPrompt {
		prompter, err := a.walletPrompt(cfg)
		if err != nil {
			return nil, err
		}
		chatOpts = append(chatOpts, chat.WithWalletPrompt(prompter))
	}
	a.Chat = chat.NewService(orchestrator, chatOpts...)
	a.closers = append(a.closers, a.Chat.Close)

	if cfg.Task.Enabled {
		if err := a.buildTasks(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Start 在后台连接工具提供方并启动任务处理器。
func (a *App) Start(ctx context.Context) {
	a.Chat.Start(ctx)
	if a.Processor == nil {
		return
	}
	if n, err := a.Tasks.Recover(ctx, a.Config.Task.StaleAfter); err != nil {
		logger.L().Error("恢复滞留任务失败", slog.Any("error", err))
	} else if n > 0 {
		logger.L().Info("已重新投递滞留任务", slog.Int("count", n))
	}
	go func() {
		if err := a.Processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
}

// Close 以创建的逆序释放资源。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stdErrors.Join(errs...)
}

// NewModel 根据 provider 创建大模型客户端。
func NewModel(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "", "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:      strings.TrimSpace(cfg.OpenAI.APIKey),
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Timeout:     cfg.OpenAI.Timeout,
			Temperature: cfg.OpenAI.Temperature,
		})
		if err != nil {
			return nil, err
		}
		logger.Named("app").Info("使用 OpenAI 兼容模型", slog.String("model", client.Model()))
		return client, nil
	case "python_bridge":
		client, err := pythonbridge.New(cfg.Python.ScriptPath,
			pythonbridge.WithInterpreter(cfg.Python.PythonExecutable),
			pythonbridge.WithWorkDir(cfg.Python.WorkingDir),
		)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的大模型 provider: %s", cfg.Provider))
	}
}

// Connector 返回启动并握手 MCP 子进程的连接函数。
func Connector(cfg config.MCPConfig) chat.Connector {
	return func(ctx context.Context) (chat.ToolProvider, error) {
		client, err := mcp.Dial(ctx, cfg.Server,
			mcp.WithClientInfo(cfg.ClientName, cfg.ClientVersion),
			mcp.WithInitTimeout(cfg.InitTimeout),
			mcp.WithCallTimeout(cfg.CallTimeout),
			mcp.WithMaxAttempts(cfg.MaxAttempts),
			mcp.WithRetryDelay(cfg.RetryDelay),
			mcp.WithObserver(metrics.Tools()),
		)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func (a *App) walletPrompt(cfg *config.Config) (chat.WalletPrompter, error) {
	policy := cfg.Agent.Policy
	if policy.DefaultAddress == "" {
		return nil, nil
	}
	networks, err := web3.LoadNetworks(cfg.Web3.NetworksFile)
	if err != nil {
		return nil, err
	}
	network, ok := networks.Lookup(policy.Network)
	if !ok || network.RPCURL == "" {
		return chat.StaticWalletPrompt(policy.Network, policy.DefaultAddress), nil
	}
	registry := provider.NewRegistry(networks)
	a.closers = append(a.closers, func() error {
		registry.Close()
		return nil
	})
	return chat.ChainWalletPrompt(registry, network.Name, policy.DefaultAddress, cfg.Web3.SnapshotTimeout), nil
}

func (a *App) sessionStore(ctx context.Context) (chat.SessionStore, error) {
	cfg := a.Config.Storage.Sessions
	switch cfg.Driver {
	case "", "memory":
		return chat.NewMemorySessionStore(), nil
	case "redis":
		store, err := redis.NewSessionStore(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case sqlstore.DialectMySQL, sqlstore.DialectSQLite:
		db, err := a.database(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return sqlstore.NewSessionStore(db), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的会话存储驱动: %s", cfg.Driver))
	}
}

func (a *App) buildTasks(ctx context.Context) error {
	cfg := a.Config.Task

	var store task.Store
	switch cfg.Store.Driver {
	case "", "memory":
		store = task.NewMemoryStore()
	case sqlstore.DialectMySQL, sqlstore.DialectSQLite:
		db, err := a.database(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		store = task.NewSQLStore(db)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的任务存储驱动: %s", cfg.Store.Driver))
	}

	var queue task.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = task.NewMemoryQueue(cfg.Queue.Buffer)
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Key,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:     cfg.Queue.RabbitMQ.URL,
			Queue:   cfg.Queue.RabbitMQ.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.Queue.Driver))
	}

	a.Tasks = task.NewService(store, queue, cfg.MaxRetries)
	a.closers = append(a.closers, a.Tasks.Close)
	a.Processor = task.NewProcessor(a.Chat, store, queue, queue,
		task.WithWorkerCount(cfg.Workers),
		task.WithAlertDispatcher(alerting.FromConfig(a.Config.Alerting.WebhookURL, a.Config.Alerting.Timeout)),
	)
	return nil
}

// database 对相同驱动与 DSN 只打开一次连接池。
func (a *App) database(ctx context.Context, driver, dsn string) (*sqlstore.DB, error) {
	key := driver + "|" + dsn
	if db, ok := a.databases[key]; ok {
		return db, nil
	}
	db, err := sqlstore.Open(ctx, sqlstore.Config{Driver: driver, DSN: dsn})
	if err != nil {
		return nil, err
	}
	a.databases[key] = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}
