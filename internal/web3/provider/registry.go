package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"evm-defi-agent/internal/web3"
	"evm-defi-agent/internal/web3/ethereum"
)

// Registry 按网络名称管理链客户端，首次使用时建立连接。
type Registry struct {
	networks web3.Networks

	mu      sync.Mutex
	clients map[string]*ethereum.Client
}

// NewRegistry 基于网络定义创建注册表。
func NewRegistry(networks web3.Networks) *Registry {
	return &Registry{networks: networks, clients: make(map[string]*ethereum.Client)}
}

// Client 返回指定网络的客户端，名称为空时使用默认网络。
func (r *Registry) Client(ctx context.Context, name string) (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	network, ok := r.networks.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("网络 %s 未在配置中找到", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[network.Name]; ok {
		return client, nil
	}
	client, err := ethereum.Dial(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("初始化网络 %s 失败: %w", network.Name, err)
	}
	r.clients[network.Name] = client
	return client, nil
}

// Snapshot 读取钱包在指定网络上的状态。
func (r *Registry) Snapshot(ctx context.Context, network, address string) (web3.WalletSnapshot, error) {
	client, err := r.Client(ctx, network)
	if err != nil {
		return web3.WalletSnapshot{}, err
	}
	return client.Snapshot(ctx, address)
}

// Networks 返回已配置的网络名称。
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	return r.networks.Names()
}

// Close 释放所有已建立的连接。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
}
