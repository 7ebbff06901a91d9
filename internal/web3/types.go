package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainReader 是生成钱包快照所需的最小链访问接口，ethclient.Client 满足该接口。
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// WalletSnapshot 汇总当前钱包在某个网络上的状态。
type WalletSnapshot struct {
	Network     string
	Symbol      string
	Address     common.Address
	ChainID     *big.Int
	BlockNumber uint64
	Balance     *big.Int
}

var weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

// TakeSnapshot 读取链 ID、最新区块与原生代币余额。
func TakeSnapshot(ctx context.Context, reader ChainReader, network Network, address string) (WalletSnapshot, error) {
	if reader == nil {
		return WalletSnapshot{}, fmt.Errorf("网络 %s 未配置链客户端", network.Name)
	}
	if !common.IsHexAddress(address) {
		return WalletSnapshot{}, fmt.Errorf("非法的钱包地址: %q", address)
	}
	account := common.HexToAddress(address)

	chainID, err := reader.ChainID(ctx)
	if err != nil {
		return WalletSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	block, err := reader.BlockNumber(ctx)
	if err != nil {
		return WalletSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	balance, err := reader.BalanceAt(ctx, account, nil)
	if err != nil {
		return WalletSnapshot{}, fmt.Errorf("查询余额失败: %w", err)
	}

	symbol := network.Symbol
	if symbol == "" {
		symbol = "ETH"
	}
	return WalletSnapshot{
		Network:     network.Name,
		Symbol:      symbol,
		Address:     account,
		ChainID:     chainID,
		BlockNumber: block,
		Balance:     balance,
	}, nil
}

// FormatBalance 以 18 位小数的代币单位展示余额。
func (s WalletSnapshot) FormatBalance() string {
	if s.Balance == nil {
		return "0"
	}
	value := new(big.Float).Quo(new(big.Float).SetInt(s.Balance), weiPerEther)
	text := value.Text('f', 6)
	text = strings.TrimRight(strings.TrimRight(text, "0"), ".")
	if text == "" {
		text = "0"
	}
	return text
}

// Prompt 渲染附加在系统提示词后的钱包状态段落。
func (s WalletSnapshot) Prompt() string {
	var b strings.Builder
	b.WriteString("Current Wallet State:\n")
	fmt.Fprintf(&b, "Active Wallet: %s\n", s.Address.Hex())
	fmt.Fprintf(&b, "Network: %s\n", s.Network)
	if s.ChainID != nil {
		fmt.Fprintf(&b, "Chain ID: %s\n", s.ChainID.String())
	}
	fmt.Fprintf(&b, "Latest Block: %d\n", s.BlockNumber)
	fmt.Fprintf(&b, "Balance: %s %s\n", s.FormatBalance(), s.Symbol)
	b.WriteString("Always use the active wallet address when making tool calls.")
	return b.String()
}

// StaticPrompt 在无法访问链时仅描述钱包与网络。
func StaticPrompt(address, network string) string {
	return fmt.Sprintf("Active Wallet: %s\nNetwork: %s\nAlways use the active wallet address when making tool calls.",
		common.HexToAddress(address).Hex(), network)
}
