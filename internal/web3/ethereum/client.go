package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"evm-defi-agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Client 封装单个 EVM 网络的 RPC 连接。
type Client struct {
	network   web3.Network
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// Dial 连接网络定义中的 RPC 端点。
func Dial(ctx context.Context, network web3.Network) (*Client, error) {
	rpcURL := strings.TrimSpace(network.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("网络 %s 未配置 RPC 地址", network.Name)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}

	return &Client{
		network:   network,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Network 返回客户端对应的网络定义。
func (c *Client) Network() web3.Network {
	return c.network
}

// ChainID 实现 web3.ChainReader。
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	return eth.ChainID(ctx)
}

// BlockNumber 实现 web3.ChainReader。
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	eth, err := c.client()
	if err != nil {
		return 0, err
	}
	return eth.BlockNumber(ctx)
}

// BalanceAt 实现 web3.ChainReader。
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	return eth.BalanceAt(ctx, account, blockNumber)
}

// Snapshot 生成指定钱包在当前网络上的快照，并校验链 ID 与配置是否一致。
func (c *Client) Snapshot(ctx context.Context, address string) (web3.WalletSnapshot, error) {
	snapshot, err := web3.TakeSnapshot(ctx, c, c.network, address)
	if err != nil {
		return web3.WalletSnapshot{}, err
	}
	if want := c.network.ChainID; want != 0 && snapshot.ChainID != nil && snapshot.ChainID.Int64() != want {
		return web3.WalletSnapshot{}, fmt.Errorf("网络 %s 的链 ID 不匹配: 期望 %d, 实际 %s", c.network.Name, want, snapshot.ChainID)
	}
	return snapshot, nil
}

// Close 释放底层连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func (c *Client) client() (*ethclient.Client, error) {
	if c == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("链客户端已关闭")
	}
	return c.eth, nil
}
