// Package staking keeps a client-side snapshot of one chain's staking
// contract: protocol-wide totals plus the connected user's position,
// refreshed as a unit after writes and on relevant contract events.
package staking

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

type Config struct {
	User          common.Address // zero = use the adapter's signer address
	WatchEvents   bool
	TokenDecimals int           // default 18
	RefetchDelay  time.Duration // post-broadcast refetch delay
}

// Snapshot is a point-in-time copy of the accessor state. The
// contract's canWithdraw flag is authoritative for unlock gating; the
// derived seconds value is presentation only, and the two are never
// published in contradiction.
type Snapshot struct {
	TotalStaked       *big.Int
	TotalRewards      *big.Int
	CurrentRewardRate *big.Int

	StakedAmount       *big.Int
	PendingRewards     *big.Int
	LastStakeTimestamp *big.Int
	TimeUntilUnlock    int64 // seconds
	CanWithdraw        bool

	TotalStakedFormatted    string
	TotalRewardsFormatted   string
	StakedAmountFormatted   string
	PendingRewardsFormatted string
	RewardRatePercent       float64 // contract-reported APR, already a percentage

	IsLoading bool
	IsError   bool
}

type Accessor struct {
	rw    eth.ReadWriter
	cfg   Config
	chain *registry.Chain
	user  common.Address

	mu           sync.RWMutex
	totalStaked  *big.Int
	totalRewards *big.Int
	rewardRate   *big.Int
	stakedAmount *big.Int
	lastStake    *big.Int
	pending      *big.Int
	unlockAt     time.Time // now + getTimeUntilUnlock at read time
	hasUnlock    bool
	canWithdraw  bool
	loaded       bool
	isError      bool

	inflight cmn.InFlight
	watch    eth.Sub
	busCh    chan *bus.Message
	now      func() time.Time
}

// New fails fast with ErrUnsupportedChain when the adapter's chain id
// has no registry entry (configuration error, not a runtime one).
func New(rw eth.ReadWriter, cfg Config) (*Accessor, error) {
	chain := rw.Chain()
	if chain == nil {
		return nil, &registry.ErrUnsupportedChain{}
	}
	if _, err := registry.Get(chain.ChainId); err != nil {
		return nil, err
	}

	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 18
	}
	if cfg.RefetchDelay == 0 {
		cfg.RefetchDelay = 2 * time.Second
	}

	user := cfg.User
	if user == (common.Address{}) && rw.Connected() {
		user = rw.From()
	}

	s := &Accessor{
		rw:    rw,
		cfg:   cfg,
		chain: chain,
		user:  user,
		now:   time.Now,
		busCh: bus.Subscribe("refetch"),
	}
	go s.refetchLoop()
	return s, nil
}

// refetchLoop serves the delayed refetch triggers a broadcast-policy
// write schedules on the bus.
func (s *Accessor) refetchLoop() {
	for msg := range s.busCh {
		m, ok := msg.Data.(*bus.B_Refetch)
		if !ok || m.ChainId != s.chain.ChainId || m.Scope != "staking" {
			continue
		}
		if err := s.RefetchAll(context.Background()); err != nil {
			log.Error().Err(err).Msg("staking: scheduled refetch failed")
		}
	}
}

func (s *Accessor) Chain() *registry.Chain { return s.chain }

func (s *Accessor) hasUser() bool { return s.user != (common.Address{}) }

// RefetchAll is the single fan-out point: it reissues every read as a
// unit, concurrently. A failed read keeps its previous value and
// raises IsError.
func (s *Accessor) RefetchAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.readBig(ctx, "totalStaked", &s.totalStaked) })
	g.Go(func() error { return s.readBig(ctx, "getTotalRewards", &s.totalRewards) })
	g.Go(func() error { return s.readBig(ctx, "currentRewardRate", &s.rewardRate) })

	if s.hasUser() {
		g.Go(func() error { return s.readUserInfo(ctx) })
		g.Go(func() error { return s.readUserDetails(ctx) })
		g.Go(func() error { return s.readBig(ctx, "getPendingRewards", &s.pending, s.user) })
		g.Go(func() error { return s.readTimeUntilUnlock(ctx) })
	}

	err := g.Wait()

	s.mu.Lock()
	s.loaded = true
	s.isError = err != nil
	s.mu.Unlock()

	s.publish()
	return err
}

func (s *Accessor) readBig(ctx context.Context, fn string, dst **big.Int, args ...any) error {
	values, err := s.rw.Read(ctx, s.chain.StakingAddress, eth.Staking, fn, args...)
	if err != nil {
		return err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return errors.New("unexpected output type for " + fn)
	}
	s.mu.Lock()
	*dst = v
	s.mu.Unlock()
	return nil
}

// userInfo returns the raw position struct; stakedAmount and the last
// stake timestamp come from here.
func (s *Accessor) readUserInfo(ctx context.Context) error {
	values, err := s.rw.Read(ctx, s.chain.StakingAddress, eth.Staking, "userInfo", s.user)
	if err != nil {
		return err
	}
	if len(values) < 4 {
		return errors.New("unexpected userInfo shape")
	}
	staked, ok1 := values[0].(*big.Int)
	lastStake, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return errors.New("unexpected userInfo output types")
	}
	s.mu.Lock()
	s.stakedAmount = staked
	s.lastStake = lastStake
	s.mu.Unlock()
	return nil
}

// getUserDetails carries the authoritative canWithdraw flag.
func (s *Accessor) readUserDetails(ctx context.Context) error {
	values, err := s.rw.Read(ctx, s.chain.StakingAddress, eth.Staking, "getUserDetails", s.user)
	if err != nil {
		return err
	}
	if len(values) < 5 {
		return errors.New("unexpected getUserDetails shape")
	}
	canWithdraw, ok := values[4].(bool)
	if !ok {
		return errors.New("unexpected getUserDetails output types")
	}
	s.mu.Lock()
	s.canWithdraw = canWithdraw
	s.mu.Unlock()
	return nil
}

func (s *Accessor) readTimeUntilUnlock(ctx context.Context) error {
	values, err := s.rw.Read(ctx, s.chain.StakingAddress, eth.Staking, "getTimeUntilUnlock", s.user)
	if err != nil {
		return err
	}
	secs, ok := values[0].(*big.Int)
	if !ok {
		return errors.New("unexpected output type for getTimeUntilUnlock")
	}
	s.mu.Lock()
	s.unlockAt = s.now().Add(time.Duration(secs.Int64()) * time.Second)
	s.hasUnlock = true
	s.mu.Unlock()
	return nil
}

// Snapshot returns a consistent copy of the current state. The lock
// countdown is derived from the last read without refetching.
func (s *Accessor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.cfg.TokenDecimals
	snap := Snapshot{
		TotalStaked:        s.totalStaked,
		TotalRewards:       s.totalRewards,
		CurrentRewardRate:  s.rewardRate,
		StakedAmount:       s.stakedAmount,
		PendingRewards:     s.pending,
		LastStakeTimestamp: s.lastStake,
		CanWithdraw:        s.canWithdraw,
		IsLoading:          !s.loaded,
		IsError:            s.isError,
	}

	if s.totalStaked != nil {
		snap.TotalStakedFormatted = cmn.FmtAmount(s.totalStaked, d)
	}
	if s.totalRewards != nil {
		snap.TotalRewardsFormatted = cmn.FmtAmount(s.totalRewards, d)
	}
	if s.stakedAmount != nil {
		snap.StakedAmountFormatted = cmn.FmtAmount(s.stakedAmount, d)
	}
	if s.pending != nil {
		snap.PendingRewardsFormatted = cmn.FmtAmount(s.pending, d)
	}
	if s.rewardRate != nil {
		snap.RewardRatePercent = cmn.AmountFloat(s.rewardRate, d)
	}

	// canWithdraw is authoritative; the countdown must agree with it
	// in every published snapshot.
	if snap.CanWithdraw {
		snap.TimeUntilUnlock = 0
	} else if s.hasUnlock {
		left := int64(s.unlockAt.Sub(s.now()) / time.Second)
		if left < 1 {
			left = 1
		}
		snap.TimeUntilUnlock = left
	}

	return snap
}

func (s *Accessor) publish() {
	bus.Send("snapshot", "updated", &bus.B_SnapshotUpdated{
		ChainId: s.chain.ChainId,
		Kind:    "staking",
		Data:    s.Snapshot(),
	})
}

// Watch subscribes to the staking contract's events. User-scoped
// events refetch only when they concern the connected address;
// RewardRateUpdated is protocol-wide and always refetches.
func (s *Accessor) Watch(ctx context.Context) error {
	if !s.cfg.WatchEvents {
		return nil
	}

	events := []string{"Staked", "Withdrawn", "RewardsClaimed", "EmergencyWithdrawn", "RewardRateUpdated"}
	sub, err := s.rw.Watch(ctx, s.chain.StakingAddress, eth.Staking, events,
		func(event string, lg types.Log) { s.onLog(ctx, event, lg) })
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.watch = sub
	s.mu.Unlock()
	return nil
}

func (s *Accessor) onLog(ctx context.Context, event string, lg types.Log) {
	if event != "RewardRateUpdated" {
		if !s.hasUser() || eth.TopicAddress(lg, 1) != s.user {
			return
		}
	}
	if err := s.RefetchAll(ctx); err != nil {
		log.Error().Err(err).Str("event", event).Msg("staking: refetch after event failed")
	}
}

// Unwatch tears the event subscription and the bus loop down. Must be
// called before the accessor is discarded.
func (s *Accessor) Unwatch() {
	s.mu.Lock()
	sub := s.watch
	s.watch = nil
	ch := s.busCh
	s.busCh = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if ch != nil {
		bus.Unsubscribe(ch)
	}
}
