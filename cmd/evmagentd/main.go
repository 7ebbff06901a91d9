package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"evm-defi-agent/internal/api"
	"evm-defi-agent/internal/app"
	"evm-defi-agent/internal/auth"
	"evm-defi-agent/internal/config"
	"evm-defi-agent/internal/llm"
	"evm-defi-agent/internal/observability/metrics"
	"evm-defi-agent/pkg/logger"
)

// main 是 EVM DeFi 助手守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 EVMAGENT_CONFIG 或 configs/evmagent.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("evmagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Logger()); err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Server.Banner {
		app.PrintBanner(os.Stdout, "EVMAGENT")
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}()

	if err := llm.Probe(ctx, a.Model, cfg.LLM.ProbeTimeout); err != nil {
		logger.L().Warn("大模型服务探测失败，将在首次请求时重试", slog.Any("error", err))
	}

	a.Start(ctx)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	guard, err := auth.NewGuard(cfg.Server.APIKeys)
	if err != nil {
		return err
	}
	if !guard.Enabled() {
		logger.L().Warn("未配置 server.api_keys，API 不做身份校验")
	}

	server := api.NewServer(cfg.Server.Address, a.Chat,
		api.WithAuth(guard),
		api.WithTaskService(a.Tasks),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)
	logger.L().Info("HTTP 服务启动", slog.String("address", cfg.Server.Address))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
