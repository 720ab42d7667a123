// Package portfolio aggregates per-chain staking snapshots into one
// cross-chain view: protocol-wide totals, a stake-weighted average
// rate and a per-chain breakdown.
package portfolio

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stakeboard/stakeboard/bus"
	"github.com/stakeboard/stakeboard/cmn"
	"github.com/stakeboard/stakeboard/staking"
)

// ChainPosition is one chain's share of the aggregate: the protocol
// totals on that chain plus the connected user's position there.
type ChainPosition struct {
	ChainId   uint64
	ChainName string

	TotalStaked    *big.Int
	TotalRewards   *big.Int
	StakedAmount   *big.Int // user
	PendingRewards *big.Int // user

	TotalStakedFormatted string
	StakedFormatted      string
	PendingFormatted     string
	RewardRate           float64

	IsLoading bool
	IsError   bool
}

// Summary is the aggregated view. TotalStaked, TotalRewards and
// WeightedAPR are protocol-wide: sums over every chain's contract
// totals, with the rate weighted by each chain's total stake. The
// user's cross-chain position rides along in UserStaked/UserPending.
// Totals assume every chain stakes the same token with the same
// decimals; amounts add up in base units.
type Summary struct {
	TotalStaked  *big.Int
	TotalRewards *big.Int
	WeightedAPR  float64
	ChainCount   int
	Chains       []ChainPosition

	UserStaked   *big.Int
	UserPending  *big.Int
	ActiveChains int // chains where the user has a nonzero stake

	TotalStakedFormatted  string
	TotalRewardsFormatted string
	UserStakedFormatted   string
	UserPendingFormatted  string

	IsLoading bool // any chain still loading
	IsError   bool // any chain errored
}

// Aggregator owns one staking accessor per chain. Accessors keep their
// own state; the aggregator only combines snapshots.
type Aggregator struct {
	mu        sync.RWMutex
	accessors map[uint64]*staking.Accessor
	decimals  int
}

func NewAggregator(decimals int) *Aggregator {
	if decimals == 0 {
		decimals = 18
	}
	return &Aggregator{
		accessors: make(map[uint64]*staking.Accessor),
		decimals:  decimals,
	}
}

func (p *Aggregator) Add(chainId uint64, a *staking.Accessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessors[chainId] = a
}

func (p *Aggregator) Accessor(chainId uint64) *staking.Accessor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accessors[chainId]
}

// RefetchAll refreshes every chain concurrently. One chain failing
// does not stop the others; the error surfaces in that chain's flags
// and in the returned error.
func (p *Aggregator) RefetchAll(ctx context.Context) error {
	p.mu.RLock()
	accessors := make([]*staking.Accessor, 0, len(p.accessors))
	for _, a := range p.accessors {
		accessors = append(accessors, a)
	}
	p.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range accessors {
		a := a
		g.Go(func() error {
			if err := a.RefetchAll(ctx); err != nil {
				log.Error().Err(err).Str("chain", a.Chain().Name).Msg("portfolio: chain refetch failed")
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	p.publish()
	return err
}

// Summary combines the latest per-chain snapshots. It never blocks on
// the network.
func (p *Aggregator) Summary() Summary {
	p.mu.RLock()
	ids := make([]uint64, 0, len(p.accessors))
	for id := range p.accessors {
		ids = append(ids, id)
	}
	accessors := make(map[uint64]*staking.Accessor, len(p.accessors))
	for id, a := range p.accessors {
		accessors[id] = a
	}
	p.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sum := Summary{
		TotalStaked:  new(big.Int),
		TotalRewards: new(big.Int),
		UserStaked:   new(big.Int),
		UserPending:  new(big.Int),
		ChainCount:   len(ids),
	}

	weighted := 0.0
	totalWeight := 0.0

	for _, id := range ids {
		a := accessors[id]
		snap := a.Snapshot()

		pos := ChainPosition{
			ChainId:        id,
			ChainName:      a.Chain().Name,
			TotalStaked:    snap.TotalStaked,
			TotalRewards:   snap.TotalRewards,
			StakedAmount:   snap.StakedAmount,
			PendingRewards: snap.PendingRewards,
			RewardRate:     snap.RewardRatePercent,
			IsLoading:      snap.IsLoading,
			IsError:        snap.IsError,
		}

		if snap.TotalStaked != nil {
			sum.TotalStaked.Add(sum.TotalStaked, snap.TotalStaked)
			pos.TotalStakedFormatted = cmn.FmtAmount(snap.TotalStaked, p.decimals)

			w := cmn.AmountFloat(snap.TotalStaked, p.decimals)
			weighted += w * snap.RewardRatePercent
			totalWeight += w
		}
		if snap.TotalRewards != nil {
			sum.TotalRewards.Add(sum.TotalRewards, snap.TotalRewards)
		}
		if snap.StakedAmount != nil {
			sum.UserStaked.Add(sum.UserStaked, snap.StakedAmount)
			pos.StakedFormatted = cmn.FmtAmount(snap.StakedAmount, p.decimals)
			if snap.StakedAmount.Sign() > 0 {
				sum.ActiveChains++
			}
		}
		if snap.PendingRewards != nil {
			sum.UserPending.Add(sum.UserPending, snap.PendingRewards)
			pos.PendingFormatted = cmn.FmtAmount(snap.PendingRewards, p.decimals)
		}

		sum.IsLoading = sum.IsLoading || snap.IsLoading
		sum.IsError = sum.IsError || snap.IsError
		sum.Chains = append(sum.Chains, pos)
	}

	// with nothing staked anywhere the weighted rate is 0, not NaN;
	// the divisor floors at 1
	if totalWeight < 1 {
		totalWeight = 1
	}
	sum.WeightedAPR = weighted / totalWeight

	sum.TotalStakedFormatted = cmn.FmtAmount(sum.TotalStaked, p.decimals)
	sum.TotalRewardsFormatted = cmn.FmtAmount(sum.TotalRewards, p.decimals)
	sum.UserStakedFormatted = cmn.FmtAmount(sum.UserStaked, p.decimals)
	sum.UserPendingFormatted = cmn.FmtAmount(sum.UserPending, p.decimals)

	return sum
}

func (p *Aggregator) publish() {
	bus.Send("snapshot", "updated", &bus.B_SnapshotUpdated{
		Kind: "portfolio",
		Data: p.Summary(),
	})
}

// Watch starts event subscriptions on every chain.
func (p *Aggregator) Watch(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.accessors {
		if err := a.Watch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Unwatch tears every chain's subscription down.
func (p *Aggregator) Unwatch() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.accessors {
		a.Unwatch()
	}
}
