package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Chain describes one supported network and the protocol contracts
// deployed on it.
type Chain struct {
	Name           string         `yaml:"name"`
	Url            string         `yaml:"url"`
	ChainId        uint64         `yaml:"chain_id"`
	ExplorerUrl    string         `yaml:"explorer_url"`
	Currency       string         `yaml:"currency"`
	TokenAddress   common.Address `yaml:"token_address"`
	StakingAddress common.Address `yaml:"staking_address"`
	TokenDecimals  int            `yaml:"token_decimals"`
}

// ErrUnsupportedChain is a configuration error: the chain id has no
// registry entry. It is returned synchronously, before any RPC call.
type ErrUnsupportedChain struct {
	ChainId uint64
}

func (e *ErrUnsupportedChain) Error() string {
	return fmt.Sprintf("unsupported chain id: %d", e.ChainId)
}

// Get returns the registry entry for chainId. Lookup fails closed.
func Get(chainId uint64) (*Chain, error) {
	for i := range Predefined {
		if Predefined[i].ChainId == chainId {
			c := Predefined[i] // copy, callers must not mutate the table
			return &c, nil
		}
	}
	return nil, &ErrUnsupportedChain{ChainId: chainId}
}

// All returns a copy of every registry entry.
func All() []Chain {
	out := make([]Chain, len(Predefined))
	copy(out, Predefined)
	return out
}
