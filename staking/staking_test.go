package staking

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeboard/stakeboard/bus"
	"github.com/stakeboard/stakeboard/cmn"
	"github.com/stakeboard/stakeboard/eth"
	"github.com/stakeboard/stakeboard/registry"
)

var (
	user  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type writeCall struct {
	fn   string
	args []any
}

type fakeRW struct {
	mu        sync.Mutex
	chain     *registry.Chain
	connected bool
	reads     map[string]func(args []any) ([]any, error)
	readCount map[string]int
	writes    []writeCall
	writeErr  error
	onWrite   func(c writeCall)
	handler   eth.LogHandler
	unsubbed  bool
}

func newFakeRW(t *testing.T) *fakeRW {
	t.Helper()
	chain, err := registry.Get(84532)
	require.NoError(t, err)
	return &fakeRW{
		chain:     chain,
		connected: true,
		reads:     make(map[string]func(args []any) ([]any, error)),
		readCount: make(map[string]int),
	}
}

func (f *fakeRW) Chain() *registry.Chain    { return f.chain }
func (f *fakeRW) Connected() bool           { return f.connected }
func (f *fakeRW) From() common.Address      { return user }
func (f *fakeRW) Policy() cmn.ConfirmPolicy { return cmn.ConfirmOnReceipt }

func (f *fakeRW) Read(ctx context.Context, to common.Address, a abi.ABI, fn string, args ...any) ([]any, error) {
	f.mu.Lock()
	f.readCount[fn]++
	fnImpl, ok := f.reads[fn]
	f.mu.Unlock()
	if !ok {
		return nil, &eth.TransportError{}
	}
	return fnImpl(args)
}

func (f *fakeRW) Write(ctx context.Context, to common.Address, a abi.ABI, fn string, args ...any) (common.Hash, error) {
	f.mu.Lock()
	if f.writeErr != nil {
		f.mu.Unlock()
		return common.Hash{}, f.writeErr
	}
	c := writeCall{fn: fn, args: args}
	f.writes = append(f.writes, c)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return common.HexToHash("0xabcd"), nil
}

func (f *fakeRW) Watch(ctx context.Context, to common.Address, a abi.ABI, events []string, h eth.LogHandler) (eth.Sub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return f, nil
}

func (f *fakeRW) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = true
}

func (f *fakeRW) count(fn string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCount[fn]
}

func (f *fakeRW) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeRW) set(fn string, values ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[fn] = func([]any) ([]any, error) { return values, nil }
}

func mustWei(s string) *big.Int {
	v, err := cmn.ParseAmount(s, 18)
	if err != nil {
		panic(err)
	}
	return v
}

func stockReads(f *fakeRW) {
	f.set("totalStaked", mustWei("4000"))
	f.set("getTotalRewards", mustWei("120"))
	f.set("currentRewardRate", mustWei("10"))
	f.set("userInfo", mustWei("100"), big.NewInt(1_700_000_000), big.NewInt(0), mustWei("5"))
	f.set("getUserDetails", mustWei("100"), big.NewInt(1_700_000_000), mustWei("5"), big.NewInt(0), true)
	f.set("getPendingRewards", mustWei("5"))
	f.set("getTimeUntilUnlock", big.NewInt(0))
	// token-side reads used by the stake preflight
	f.set("allowance", mustWei("1000"))
	f.set("balanceOf", mustWei("500"))
}

func newAccessor(t *testing.T, f *fakeRW) *Accessor {
	t.Helper()
	a, err := New(f, Config{})
	require.NoError(t, err)
	return a
}

func TestNewRejectsUnknownChain(t *testing.T) {
	f := newFakeRW(t)
	f.chain = &registry.Chain{Name: "bogus", ChainId: 1}

	_, err := New(f, Config{})
	var uc *registry.ErrUnsupportedChain
	assert.ErrorAs(t, err, &uc)
}

func TestRefetchAllPopulatesSnapshot(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	s := a.Snapshot()
	assert.False(t, s.IsLoading)
	assert.False(t, s.IsError)
	assert.Equal(t, "4000", s.TotalStakedFormatted)
	assert.Equal(t, "120", s.TotalRewardsFormatted)
	assert.Equal(t, "100", s.StakedAmountFormatted)
	assert.Equal(t, "5", s.PendingRewardsFormatted)
	assert.InDelta(t, 10.0, s.RewardRatePercent, 1e-9)
	assert.True(t, s.CanWithdraw)
	assert.Zero(t, s.TimeUntilUnlock)
}

func TestReadFailureKeepsStale(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	f.mu.Lock()
	delete(f.reads, "totalStaked")
	f.mu.Unlock()

	require.Error(t, a.RefetchAll(context.Background()))

	s := a.Snapshot()
	assert.True(t, s.IsError)
	assert.Equal(t, "4000", s.TotalStakedFormatted)
}

func TestStakeRequiresApproval(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)
	f.set("allowance", mustWei("10"))

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	_, err := a.Stake(context.Background(), "50")
	var need *ErrApprovalRequired
	require.ErrorAs(t, err, &need)
	assert.Zero(t, mustWei("50").Cmp(need.Needed))
	assert.Zero(t, mustWei("10").Cmp(need.Have))
	assert.Zero(t, f.writeCount())
}

func TestStakeInsufficientBalance(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)
	f.set("balanceOf", mustWei("40"))

	a := newAccessor(t, f)
	_, err := a.Stake(context.Background(), "50")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, f.writeCount())
}

func TestStakeSubmits(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))
	totalReads := f.count("totalStaked")

	_, err := a.Stake(context.Background(), "50")
	require.NoError(t, err)

	require.Equal(t, 1, f.writeCount())
	assert.Equal(t, "stake", f.writes[0].fn)
	assert.Zero(t, mustWei("50").Cmp(f.writes[0].args[0].(*big.Int)))

	// receipt policy: everything refetched synchronously after success
	assert.Equal(t, totalReads+1, f.count("totalStaked"))
}

func TestStakeRejectsZeroAmount(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	_, err := a.Stake(context.Background(), "0")
	assert.ErrorIs(t, err, cmn.ErrInvalidAmount)
	assert.Zero(t, f.writeCount())
}

func TestWithdrawMoreThanStaked(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	_, err := a.Withdraw(context.Background(), "100.000000000000000001")
	assert.ErrorIs(t, err, ErrInsufficientStaked)
	assert.Zero(t, f.writeCount())
}

func TestWithdrawWhileLocked(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)
	f.set("getUserDetails", mustWei("100"), big.NewInt(1_700_000_000), mustWei("5"), big.NewInt(3600), false)
	f.set("getTimeUntilUnlock", big.NewInt(3600))

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	_, err := a.Withdraw(context.Background(), "40")
	assert.ErrorIs(t, err, ErrTokensLocked)
	assert.Zero(t, f.writeCount())
}

func TestWithdrawSubmits(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	_, err := a.Withdraw(context.Background(), "40")
	require.NoError(t, err)

	require.Equal(t, 1, f.writeCount())
	assert.Equal(t, "withdraw", f.writes[0].fn)
	assert.Zero(t, mustWei("40").Cmp(f.writes[0].args[0].(*big.Int)))
}

func TestWithdrawRefetchReflectsNewPosition(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	// the node's view changes once the withdraw lands; the post-write
	// refetch must pick the new position up
	f.onWrite = func(c writeCall) {
		if c.fn == "withdraw" {
			f.set("userInfo", mustWei("60"), big.NewInt(1_700_000_000), big.NewInt(0), mustWei("5"))
			f.set("getUserDetails", mustWei("60"), big.NewInt(1_700_000_000), mustWei("5"), big.NewInt(0), true)
			f.set("totalStaked", mustWei("3960"))
		}
	}

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))
	require.Equal(t, "100", a.Snapshot().StakedAmountFormatted)

	_, err := a.Withdraw(context.Background(), "40")
	require.NoError(t, err)

	s := a.Snapshot()
	assert.Equal(t, "60", s.StakedAmountFormatted)
	assert.Equal(t, "3960", s.TotalStakedFormatted)
}

func TestClaimWithoutRewards(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)
	f.set("getPendingRewards", big.NewInt(0))
	f.set("userInfo", mustWei("100"), big.NewInt(1_700_000_000), big.NewInt(0), big.NewInt(0))

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	_, err := a.ClaimRewards(context.Background())
	assert.ErrorIs(t, err, ErrNoRewards)

	_, err = a.ClaimAndRestake(context.Background())
	assert.ErrorIs(t, err, ErrNoRewards)

	assert.Zero(t, f.writeCount())
}

func TestClaimAndRestakeSubmits(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	_, err := a.ClaimAndRestake(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.writeCount())
	assert.Equal(t, "claimAndRestake", f.writes[0].fn)
}

func TestEmergencyWithdrawNeedsConfirmation(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)

	_, err := a.EmergencyWithdraw(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	_, err = a.EmergencyWithdraw(context.Background(), func() bool { return false })
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.Zero(t, f.writeCount())

	_, err = a.EmergencyWithdraw(context.Background(), func() bool { return true })
	require.NoError(t, err)
	require.Equal(t, 1, f.writeCount())
	assert.Equal(t, "emergencyWithdraw", f.writes[0].fn)
}

func TestCountdownAgreesWithCanWithdraw(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)
	f.set("getUserDetails", mustWei("100"), big.NewInt(1_700_000_000), mustWei("5"), big.NewInt(120), false)
	f.set("getTimeUntilUnlock", big.NewInt(120))

	a := newAccessor(t, f)
	base := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return base }
	require.NoError(t, a.RefetchAll(context.Background()))

	s := a.Snapshot()
	assert.False(t, s.CanWithdraw)
	assert.Equal(t, int64(120), s.TimeUntilUnlock)

	// countdown ticks down locally without refetching
	a.now = func() time.Time { return base.Add(90 * time.Second) }
	assert.Equal(t, int64(30), a.Snapshot().TimeUntilUnlock)

	// past the read deadline but canWithdraw has not flipped yet: the
	// countdown floors at 1, it never contradicts the flag
	a.now = func() time.Time { return base.Add(10 * time.Minute) }
	s = a.Snapshot()
	assert.False(t, s.CanWithdraw)
	assert.Equal(t, int64(1), s.TimeUntilUnlock)
}

func stakingLog(event string, who common.Address) types.Log {
	return types.Log{
		Topics: []common.Hash{
			eth.Staking.Events[event].ID,
			common.BytesToHash(who.Bytes()),
		},
	}
}

func TestWatchFiltersByUser(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a, err := New(f, Config{WatchEvents: true})
	require.NoError(t, err)
	require.NoError(t, a.RefetchAll(context.Background()))
	require.NoError(t, a.Watch(context.Background()))
	require.NotNil(t, f.handler)

	totalReads := f.count("totalStaked")

	// someone else staked: not our position, no refetch
	f.handler("Staked", stakingLog("Staked", other))
	assert.Equal(t, totalReads, f.count("totalStaked"))

	// our own stake landed: full refetch
	f.handler("Staked", stakingLog("Staked", user))
	assert.Equal(t, totalReads+1, f.count("totalStaked"))
}

func TestRewardRateUpdateRefetchesForEveryone(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a, err := New(f, Config{WatchEvents: true})
	require.NoError(t, err)
	require.NoError(t, a.RefetchAll(context.Background()))
	require.NoError(t, a.Watch(context.Background()))

	totalReads := f.count("totalStaked")

	// rate changes affect every staker's projected rewards, the event
	// carries no user topic to filter on
	f.handler("RewardRateUpdated", types.Log{
		Topics: []common.Hash{eth.Staking.Events["RewardRateUpdated"].ID},
	})
	assert.Equal(t, totalReads+1, f.count("totalStaked"))
}

func TestDoubleSubmitGuard(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))

	require.NoError(t, a.inflight.Acquire("withdraw"))
	defer a.inflight.Release("withdraw")

	_, err := a.Withdraw(context.Background(), "40")
	var pending *cmn.ErrActionPending
	assert.ErrorAs(t, err, &pending)
	assert.Zero(t, f.writeCount())
}

func TestFailedWriteDoesNotRefetch(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))
	totalReads := f.count("totalStaked")

	f.writeErr = &eth.RevertError{Reason: "Pausable: paused"}
	_, err := a.Withdraw(context.Background(), "40")
	require.Error(t, err)

	assert.Equal(t, totalReads, f.count("totalStaked"))
}

func TestWriteRequiresWallet(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)
	f.connected = false

	a, err := New(f, Config{User: user})
	require.NoError(t, err)
	require.NoError(t, a.RefetchAll(context.Background()))

	_, err = a.Stake(context.Background(), "1")
	assert.ErrorIs(t, err, eth.ErrWalletNotConnected)
	assert.Zero(t, f.writeCount())
}

func TestUnwatchTearsDownSubscription(t *testing.T) {
	f := newFakeRW(t)
	stockReads(f)

	a, err := New(f, Config{WatchEvents: true})
	require.NoError(t, err)
	require.NoError(t, a.Watch(context.Background()))

	a.Unwatch()
	assert.True(t, f.unsubbed)
	assert.Nil(t, a.busCh)
}

func TestScheduledRefetchServedFromBus(t *testing.T) {
	bus.Init()

	f := newFakeRW(t)
	stockReads(f)

	a := newAccessor(t, f)
	require.NoError(t, a.RefetchAll(context.Background()))
	before := f.count("totalStaked")

	bus.Send("refetch", "trigger", &bus.B_Refetch{ChainId: f.chain.ChainId, Scope: "staking"})
	assert.Eventually(t, func() bool {
		return f.count("totalStaked") > before
	}, time.Second, 10*time.Millisecond)

	// other scopes and other chains are not ours
	mid := f.count("totalStaked")
	bus.Send("refetch", "trigger", &bus.B_Refetch{ChainId: f.chain.ChainId, Scope: "token"})
	bus.Send("refetch", "trigger", &bus.B_Refetch{ChainId: 1, Scope: "staking"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, mid, f.count("totalStaked"))
}
