// Package explorer builds block explorer links for the supported
// chains. Links ride along with transaction notifications so the
// dashboard can offer a "view on explorer" shortcut.
package explorer

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeboard/stakeboard/registry"
)

func base(chain *registry.Chain) string {
	if chain == nil {
		return ""
	}
	return strings.TrimRight(chain.ExplorerUrl, "/")
}

func TxURL(chain *registry.Chain, hash common.Hash) string {
	b := base(chain)
	if b == "" {
		return ""
	}
	return b + "/tx/" + hash.Hex()
}

func AddressURL(chain *registry.Chain, addr common.Address) string {
	b := base(chain)
	if b == "" {
		return ""
	}
	return b + "/address/" + addr.Hex()
}

func TokenURL(chain *registry.Chain, token common.Address) string {
	b := base(chain)
	if b == "" {
		return ""
	}
	return b + "/token/" + token.Hex()
}

// TxURLById resolves the chain from the registry first. Unknown chains
// yield an empty link, not an error; the notification still goes out.
func TxURLById(chainId uint64, hash common.Hash) string {
	chain, err := registry.Get(chainId)
	if err != nil {
		return ""
	}
	return TxURL(chain, hash)
}
