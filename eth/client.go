package eth

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/stakeboard/stakeboard/cmn"
	"github.com/stakeboard/stakeboard/registry"
)

// Backend is the slice of the node API the adapter needs.
// *ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Sub is a live event subscription. Owners must call Unsubscribe on
// teardown; a subscription must never outlive its accessor.
type Sub interface {
	Unsubscribe()
}

// LogHandler receives one decoded log at a time.
type LogHandler func(event string, lg types.Log)

// ReadWriter is the typed boundary the accessors consume.
type ReadWriter interface {
	Chain() *registry.Chain
	Connected() bool
	From() common.Address
	Policy() cmn.ConfirmPolicy
	Read(ctx context.Context, to common.Address, a abi.ABI, fn string, args ...any) ([]any, error)
	Write(ctx context.Context, to common.Address, a abi.ABI, fn string, args ...any) (common.Hash, error)
	Watch(ctx context.Context, to common.Address, a abi.ABI, events []string, h LogHandler) (Sub, error)
}

// Adapter is the per-chain binding over one RPC client.
type Adapter struct {
	chain   *registry.Chain
	backend Backend
	signer  Signer
	policy  cmn.ConfirmPolicy
}

type Option func(*Adapter)

// WithSigner attaches a transaction signer. Without one the adapter
// is read-only and writes fail with ErrWalletNotConnected.
func WithSigner(s Signer) Option {
	return func(a *Adapter) { a.signer = s }
}

func WithPolicy(p cmn.ConfirmPolicy) Option {
	return func(a *Adapter) { a.policy = p }
}

// WithUrl overrides the registry's RPC endpoint for this connection.
func WithUrl(url string) Option {
	return func(a *Adapter) { a.chain.Url = url }
}

// WithBackend substitutes the node client. Used by tests.
func WithBackend(b Backend) Option {
	return func(a *Adapter) { a.backend = b }
}

// Dial looks the chain up in the registry and connects. A registry
// miss is reported before any network activity.
func Dial(chainId uint64, opts ...Option) (*Adapter, error) {
	chain, err := registry.Get(chainId)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		chain:  chain,
		policy: cmn.ConfirmOnBroadcast,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.backend == nil {
		client, err := ethclient.Dial(chain.Url)
		if err != nil {
			log.Error().Err(err).Str("chain", chain.Name).Str("url", chain.Url).Msg("Dial: cannot connect")
			return nil, &TransportError{Err: err}
		}
		a.backend = client
		log.Trace().Str("chain", chain.Name).Msg("Dial: client opened")
	}

	return a, nil
}

func (a *Adapter) Chain() *registry.Chain { return a.chain }

func (a *Adapter) Connected() bool { return a.signer != nil }

func (a *Adapter) From() common.Address {
	if a.signer == nil {
		return common.Address{}
	}
	return a.signer.Address()
}

func (a *Adapter) Policy() cmn.ConfirmPolicy { return a.policy }

// Close releases the underlying RPC client when it owns one.
func (a *Adapter) Close() {
	if c, ok := a.backend.(*ethclient.Client); ok {
		c.Close()
	}
}
