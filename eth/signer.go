package eth

import (
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces signed transactions. The wallet prompt (or refusal)
// lives behind this interface; ErrRejected surfaces a refusal.
type Signer interface {
	Address() common.Address
	SignTx(chainId *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// KeySigner signs with a local private key.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

func NewKeySigner(hexkey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexkey, "0x"))
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: key}, nil
}

// LoadKeySigner reads a hex private key from a file.
func LoadKeySigner(path string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewKeySigner(strings.TrimSpace(string(data)))
}

func (s *KeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *KeySigner) SignTx(chainId *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainId), s.key)
}
