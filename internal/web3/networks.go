package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Network 描述一个可访问的 EVM 网络。
type Network struct {
	Name        string `yaml:"-"`
	ChainID     int64  `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Symbol      string `yaml:"symbol"`
	Explorer    string `yaml:"explorer"`
	Description string `yaml:"description"`
}

// Networks 对应 networks.yaml 的结构。
type Networks struct {
	Default  string             `yaml:"default"`
	Networks map[string]Network `yaml:"networks"`
}

// LoadNetworks 解析网络定义文件，路径为空时返回空集合。
func LoadNetworks(path string) (Networks, error) {
	if strings.TrimSpace(path) == "" {
		return Networks{Networks: map[string]Network{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Networks{}, fmt.Errorf("读取网络配置失败: %w", err)
	}
	return ParseNetworks(content)
}

// ParseNetworks 从 YAML 内容中解析网络定义。
func ParseNetworks(content []byte) (Networks, error) {
	var defs Networks
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Networks{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]Network{}
	}
	for name, network := range defs.Networks {
		network.Name = name
		network.RPCURL = os.ExpandEnv(strings.TrimSpace(network.RPCURL))
		if network.Symbol == "" {
			network.Symbol = "ETH"
		}
		defs.Networks[name] = network
	}
	if defs.Default != "" {
		if _, ok := defs.Networks[defs.Default]; !ok {
			return Networks{}, fmt.Errorf("默认网络 %s 未在配置中找到", defs.Default)
		}
	}
	return defs, nil
}

// Lookup 按名称查找网络，名称为空时使用默认网络。
func (n Networks) Lookup(name string) (Network, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = n.Default
	}
	network, ok := n.Networks[name]
	return network, ok
}

// Names 返回排序后的网络名称。
func (n Networks) Names() []string {
	names := make([]string, 0, len(n.Networks))
	for name := range n.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
