package web3

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const sampleNetworks = `
default: monad-testnet
networks:
  monad-testnet:
    chain_id: 10143
    rpc_url: ${MONAD_RPC_URL}
    symbol: MON
  sepolia:
    chain_id: 11155111
    rpc_url: https://rpc.sepolia.org
`

func TestLoadNetworks(t *testing.T) {
	t.Setenv("MONAD_RPC_URL", "https://testnet-rpc.monad.xyz")
	path := filepath.Join(t.TempDir(), "networks.yaml")
	if err := os.WriteFile(path, []byte(sampleNetworks), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	defs, err := LoadNetworks(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	monad, ok := defs.Lookup("")
	if !ok {
		t.Fatal("default network not resolved")
	}
	if monad.Name != "monad-testnet" || monad.ChainID != 10143 || monad.RPCURL != "https://testnet-rpc.monad.xyz" {
		t.Fatalf("unexpected network: %+v", monad)
	}
	sepolia, _ := defs.Lookup("sepolia")
	if sepolia.Symbol != "ETH" {
		t.Fatalf("expected default symbol, got %q", sepolia.Symbol)
	}
	if names := defs.Names(); strings.Join(names, ",") != "monad-testnet,sepolia" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestParseNetworksRejectsUnknownDefault(t *testing.T) {
	if _, err := ParseNetworks([]byte("default: mainnet\nnetworks: {}\n")); err == nil {
		t.Fatal("expected error for unknown default network")
	}
}

func TestLoadNetworksEmptyPath(t *testing.T) {
	defs, err := LoadNetworks("  ")
	if err != nil || len(defs.Networks) != 0 {
		t.Fatalf("expected empty definitions, got %+v, %v", defs, err)
	}
}

type stubReader struct {
	chainID *big.Int
	balance *big.Int
	err     error
}

func (s stubReader) ChainID(context.Context) (*big.Int, error) { return s.chainID, s.err }
func (s stubReader) BlockNumber(context.Context) (uint64, error) {
	return 42, nil
}
func (s stubReader) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return s.balance, nil
}

func TestTakeSnapshot(t *testing.T) {
	balance, _ := new(big.Int).SetString("2000000000000000000", 10)
	snap, err := TakeSnapshot(context.Background(), stubReader{chainID: big.NewInt(10143), balance: balance}, Network{Name: "monad-testnet", Symbol: "MON"}, "0x95723432b6a145b658995881b0576d1e16850b02")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.FormatBalance() != "2" {
		t.Fatalf("unexpected balance: %s", snap.FormatBalance())
	}
	if !strings.Contains(snap.Prompt(), "Latest Block: 42") {
		t.Fatalf("unexpected prompt: %s", snap.Prompt())
	}

	if _, err := TakeSnapshot(context.Background(), stubReader{err: errors.New("down")}, Network{}, "0x95723432b6a145b658995881b0576d1e16850b02"); err == nil {
		t.Fatal("expected chain id error")
	}
	if _, err := TakeSnapshot(context.Background(), stubReader{}, Network{}, "not-an-address"); err == nil {
		t.Fatal("expected invalid address error")
	}
}
