package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evm-defi-agent/internal/app"
	"evm-defi-agent/internal/config"
	"evm-defi-agent/internal/console"
	"evm-defi-agent/internal/llm"
	"evm-defi-agent/pkg/logger"
)

// main 是交互式命令行的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 EVMAGENT_CONFIG 或 configs/evmagent.yaml")
	sessionID := flag.String("session", "cli", "会话标识")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *sessionID); err != nil {
		log.Fatalf("evmagent 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath, sessionID string) error {
	started := time.Now()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Logger()); err != nil {
		return err
	}
	defer logger.Sync()

	// 命令行直接同步处理，不需要任务队列。
	cfg.Task.Enabled = false

	if cfg.Server.Banner {
		app.PrintBanner(os.Stdout, "EVMAGENT")
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Println("Starting MCP client...")
	a.Start(ctx)
	select {
	case <-a.Chat.Ready():
	case <-ctx.Done():
		return nil
	}

	term := console.New(a.Chat, os.Stdin, os.Stdout, console.WithSessionID(sessionID))
	term.Greet(len(a.Chat.Tools()), time.Since(started))

	if err := llm.Probe(ctx, a.Model, cfg.LLM.ProbeTimeout); err != nil {
		fmt.Printf("WARNING: Could not connect to the language model: %v\n", err)
		fmt.Println("Some functionality may be limited. Direct tool calls will still work.")
	} else {
		fmt.Println("Language model connection successful")
	}
	fmt.Println()

	return term.Run(ctx)
}
