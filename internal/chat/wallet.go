package chat

import (
	"context"
	"log/slog"
	"time"

	"evm-defi-agent/internal/web3"
	"evm-defi-agent/internal/web3/provider"
	"evm-defi-agent/pkg/logger"
)

// WalletPrompter 返回追加到系统提示词后的钱包状态段落。
type WalletPrompter func(ctx context.Context) string

// ChainWalletPrompt 从链上读取钱包快照；网络不可用时退回到静态描述。
func ChainWalletPrompt(registry *provider.Registry, network, address string, timeout time.Duration) WalletPrompter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(ctx context.Context) string {
		if registry == nil {
			return web3.StaticPrompt(address, network)
		}
		snapCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		snapshot, err := registry.Snapshot(snapCtx, network, address)
		if err != nil {
			logger.Named("chat").Warn("读取钱包快照失败，使用静态钱包信息",
				slog.String("network", network),
				slog.Any("error", err))
			return web3.StaticPrompt(address, network)
		}
		return snapshot.Prompt()
	}
}

// StaticWalletPrompt 仅描述钱包地址与网络。
func StaticWalletPrompt(network, address string) WalletPrompter {
	return func(context.Context) string {
		return web3.StaticPrompt(address, network)
	}
}
