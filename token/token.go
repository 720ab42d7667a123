// Package token keeps a client-side snapshot of the staking token
// contract for one (chain, user) pair: metadata, balances, allowance
// and the faucet mint cooldown, refreshed on demand, after writes and
// on matching Transfer/Approval events.
package token

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stakeboard/stakeboard/bus"
	"github.com/stakeboard/stakeboard/cmn"
	"github.com/stakeboard/stakeboard/eth"
	"github.com/stakeboard/stakeboard/registry"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

type Config struct {
	User         common.Address // zero = use the adapter's signer address
	Spender      common.Address // zero = skip the allowance read
	WatchEvents  bool
	RefetchDelay time.Duration // post-broadcast refresh delay
}

// Snapshot is a point-in-time copy of the accessor state. Nil fields
// have not resolved yet. Formatted strings always derive from the raw
// integers, never stored independently.
type Snapshot struct {
	Name              *string
	Symbol            *string
	Decimals          *uint8
	TotalSupply       *big.Int
	MintAmount        *big.Int
	MintCooldown      *big.Int
	Balance           *big.Int
	Allowance         *big.Int
	LastMintTimestamp *big.Int

	BalanceFormatted   string
	AllowanceFormatted string

	CanMint           bool
	TimeUntilNextMint int64 // seconds, 0 when mintable or unknown

	IsLoading bool
	IsError   bool
}

type Accessor struct {
	rw    eth.ReadWriter
	cfg   Config
	chain *registry.Chain
	user  common.Address

	mu           sync.RWMutex
	name         *string
	symbol       *string
	decimals     *uint8
	totalSupply  *big.Int
	mintAmount   *big.Int
	mintCooldown *big.Int
	balance      *big.Int
	allowance    *big.Int
	lastMint     *big.Int
	loaded       bool
	isError      bool

	inflight cmn.InFlight
	watch    eth.Sub
	busCh    chan *bus.Message
	now      func() time.Time
}

func New(rw eth.ReadWriter, cfg Config) *Accessor {
	if cfg.RefetchDelay == 0 {
		cfg.RefetchDelay = 2 * time.Second
	}

	user := cfg.User
	if user == (common.Address{}) && rw.Connected() {
		user = rw.From()
	}

	t := &Accessor{
		rw:    rw,
		cfg:   cfg,
		chain: rw.Chain(),
		user:  user,
		now:   time.Now,
		busCh: bus.Subscribe("refetch"),
	}
	go t.refetchLoop()
	return t
}

// refetchLoop serves the delayed refetch triggers a broadcast-policy
// write schedules on the bus.
func (t *Accessor) refetchLoop() {
	for msg := range t.busCh {
		m, ok := msg.Data.(*bus.B_Refetch)
		if !ok || m.ChainId != t.chain.ChainId || m.Scope != "token" {
			continue
		}
		if err := t.Refresh(context.Background()); err != nil {
			log.Error().Err(err).Msg("token: scheduled refresh failed")
		}
	}
}

func (t *Accessor) hasUser() bool { return t.user != (common.Address{}) }

// Refresh reissues every read in parallel. A failed read keeps the
// previous value and raises IsError; it never tears the snapshot down.
func (t *Accessor) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.readString(ctx, "name", &t.name) })
	g.Go(func() error { return t.readString(ctx, "symbol", &t.symbol) })
	g.Go(func() error { return t.readDecimals(ctx) })
	g.Go(func() error { return t.readBig(ctx, "totalSupply", &t.totalSupply) })
	g.Go(func() error { return t.readBig(ctx, "MINT_AMOUNT", &t.mintAmount) })
	g.Go(func() error { return t.readBig(ctx, "MINT_COOLDOWN", &t.mintCooldown) })

	if t.hasUser() {
		g.Go(func() error { return t.refreshBalance(ctx) })
		g.Go(func() error { return t.refreshLastMint(ctx) })
	}
	if t.hasUser() && t.cfg.Spender != (common.Address{}) {
		// skipped, not errored, when either side is unknown
		g.Go(func() error { return t.refreshAllowance(ctx) })
	}

	err := g.Wait()

	t.mu.Lock()
	t.loaded = true
	t.isError = err != nil
	t.mu.Unlock()

	t.publish()
	return err
}

func (t *Accessor) readString(ctx context.Context, fn string, dst **string) error {
	values, err := t.rw.Read(ctx, t.chain.TokenAddress, eth.Token, fn)
	if err != nil {
		return err
	}
	s, ok := values[0].(string)
	if !ok {
		return errors.New("unexpected output type for " + fn)
	}
	t.mu.Lock()
	*dst = &s
	t.mu.Unlock()
	return nil
}

func (t *Accessor) readDecimals(ctx context.Context) error {
	values, err := t.rw.Read(ctx, t.chain.TokenAddress, eth.Token, "decimals")
	if err != nil {
		return err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return errors.New("unexpected output type for decimals")
	}
	t.mu.Lock()
	t.decimals = &d
	t.mu.Unlock()
	return nil
}

func (t *Accessor) readBig(ctx context.Context, fn string, dst **big.Int, args ...any) error {
	values, err := t.rw.Read(ctx, t.chain.TokenAddress, eth.Token, fn, args...)
	if err != nil {
		return err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return errors.New("unexpected output type for " + fn)
	}
	t.mu.Lock()
	*dst = v
	t.mu.Unlock()
	return nil
}

func (t *Accessor) refreshBalance(ctx context.Context) error {
	return t.readBig(ctx, "balanceOf", &t.balance, t.user)
}

func (t *Accessor) refreshLastMint(ctx context.Context) error {
	return t.readBig(ctx, "lastMintTimestamp", &t.lastMint, t.user)
}

func (t *Accessor) refreshAllowance(ctx context.Context) error {
	return t.readBig(ctx, "allowance", &t.allowance, t.user, t.cfg.Spender)
}

// Snapshot returns a consistent copy of the current state.
func (t *Accessor) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		Name:              t.name,
		Symbol:            t.symbol,
		Decimals:          t.decimals,
		TotalSupply:       t.totalSupply,
		MintAmount:        t.mintAmount,
		MintCooldown:      t.mintCooldown,
		Balance:           t.balance,
		Allowance:         t.allowance,
		LastMintTimestamp: t.lastMint,
		IsLoading:         !t.loaded,
		IsError:           t.isError,
	}

	if t.decimals != nil {
		d := int(*t.decimals)
		if t.balance != nil {
			s.BalanceFormatted = cmn.FmtAmount(t.balance, d)
		}
		if t.allowance != nil {
			s.AllowanceFormatted = cmn.FmtAmount(t.allowance, d)
		}
	}

	if t.lastMint != nil && t.mintCooldown != nil {
		nextMint := new(big.Int).Add(t.lastMint, t.mintCooldown).Int64()
		now := t.now().Unix()
		if now >= nextMint {
			s.CanMint = true
		} else {
			s.TimeUntilNextMint = nextMint - now
		}
	}

	return s
}

func (t *Accessor) publish() {
	bus.Send("snapshot", "updated", &bus.B_SnapshotUpdated{
		ChainId: t.chain.ChainId,
		Kind:    "token",
		Data:    t.Snapshot(),
	})
}

// toBaseUnits converts a human decimal amount using the loaded
// decimals. It never assumes 18 silently.
func (t *Accessor) toBaseUnits(amount string) (*big.Int, error) {
	t.mu.RLock()
	d := t.decimals
	t.mu.RUnlock()

	if d == nil {
		return nil, cmn.ErrDecimalsNotLoaded
	}
	return cmn.ParseAmount(amount, int(*d))
}

// Watch subscribes to Transfer and Approval logs and refetches only
// the field a user-relevant event invalidates. Unrelated chain
// activity is ignored to avoid refetch storms.
func (t *Accessor) Watch(ctx context.Context) error {
	if !t.cfg.WatchEvents || !t.hasUser() {
		return nil
	}

	sub, err := t.rw.Watch(ctx, t.chain.TokenAddress, eth.Token,
		[]string{"Transfer", "Approval"},
		func(event string, lg types.Log) { t.onLog(ctx, event, lg) })
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.watch = sub
	t.mu.Unlock()
	return nil
}

func (t *Accessor) onLog(ctx context.Context, event string, lg types.Log) {
	switch event {
	case "Transfer":
		from := eth.TopicAddress(lg, 1)
		to := eth.TopicAddress(lg, 2)
		if from != t.user && to != t.user {
			return
		}
		if err := t.refreshBalance(ctx); err != nil {
			log.Error().Err(err).Msg("token: balance refetch after Transfer failed")
			return
		}
	case "Approval":
		owner := eth.TopicAddress(lg, 1)
		if owner != t.user {
			return
		}
		if err := t.refreshAllowance(ctx); err != nil {
			log.Error().Err(err).Msg("token: allowance refetch after Approval failed")
			return
		}
	default:
		return
	}
	t.publish()
}

// Unwatch tears the event subscription and the bus loop down. Must be
// called before the accessor is discarded.
func (t *Accessor) Unwatch() {
	t.mu.Lock()
	sub := t.watch
	t.watch = nil
	ch := t.busCh
	t.busCh = nil
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if ch != nil {
		bus.Unsubscribe(ch)
	}
}
