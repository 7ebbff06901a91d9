package agent

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/mcp"
)

const (
	DefaultAddressKey = "address"
	DefaultAddress    = "0x95723432b6a145b658995881b0576d1e16850b02"
	DefaultNetworkKey = "network"
	DefaultNetwork    = "monad-testnet"
)

// ArgumentPolicy 描述在调用工具前需要补全或强制覆盖的参数。
type ArgumentPolicy struct {
	AddressKey       string   `mapstructure:"address_key"`
	DefaultAddress   string   `mapstructure:"default_address"`
	AddressTools     []string `mapstructure:"address_tools"`
	NetworkKey       string   `mapstructure:"network_key"`
	Network          string   `mapstructure:"network"`
	LongRunningTools []string `mapstructure:"long_running_tools"`
}

// DefaultArgumentPolicy 返回单钱包、单网络的默认策略。
func DefaultArgumentPolicy() ArgumentPolicy {
	return ArgumentPolicy{
		AddressKey:     DefaultAddressKey,
		DefaultAddress: DefaultAddress,
		AddressTools: []string{
			"get-user-position",
			"check-balance",
			"get-lending-balance",
			"get-borrow-balance",
			"get-collateral-balance",
		},
		NetworkKey:       DefaultNetworkKey,
		Network:          DefaultNetwork,
		LongRunningTools: []string{"get-user-position"},
	}
}

// Validate 检查默认地址是否为合法的 EVM 地址。
func (p ArgumentPolicy) Validate() error {
	if p.DefaultAddress != "" && !common.IsHexAddress(p.DefaultAddress) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("默认钱包地址不合法: %s", p.DefaultAddress))
	}
	if p.DefaultAddress != "" && strings.TrimSpace(p.AddressKey) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置了默认地址但缺少地址参数名")
	}
	if p.Network != "" && strings.TrimSpace(p.NetworkKey) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置了强制网络但缺少网络参数名")
	}
	return nil
}

// Apply 返回补全后的参数副本：读取类工具缺少地址时填入默认地址，
// 网络参数始终被覆盖为固定值。
func (p ArgumentPolicy) Apply(tool string, args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+2)
	for k, v := range args {
		out[k] = v
	}
	if p.DefaultAddress != "" && p.AddressKey != "" && matchesTool(p.AddressTools, tool) {
		if v, ok := out[p.AddressKey]; !ok || v == nil {
			out[p.AddressKey] = p.DefaultAddress
		}
	}
	if p.Network != "" && p.NetworkKey != "" {
		out[p.NetworkKey] = p.Network
	}
	return out
}

// IsLongRunning 判断工具是否属于长耗时类别。
func (p ArgumentPolicy) IsLongRunning(tool string) bool {
	return matchesTool(p.LongRunningTools, tool)
}

func matchesTool(list []string, tool string) bool {
	alias := mcp.Alias(tool)
	for _, candidate := range list {
		if candidate == tool || mcp.Alias(candidate) == alias {
			return true
		}
	}
	return false
}
