package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/stakeboard/stakeboard/bus"
	"github.com/stakeboard/stakeboard/cmn"
	"github.com/stakeboard/stakeboard/eth"
)

var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrInsufficientStaked  = errors.New("amount exceeds staked balance")
	ErrTokensLocked        = errors.New("tokens are still locked")
	ErrNoRewards           = errors.New("no pending rewards")
	ErrNotConfirmed        = errors.New("emergency withdraw not confirmed")
)

// ErrApprovalRequired means the staking contract's allowance does not
// cover the requested stake. Signalled instead of submitting a
// transaction destined to revert.
type ErrApprovalRequired struct {
	Needed *big.Int
	Have   *big.Int
}

func (e *ErrApprovalRequired) Error() string {
	return fmt.Sprintf("approval required: allowance %s < amount %s", e.Have, e.Needed)
}

// safeWrite submits one transaction and, only on success, refetches
// everything. A failed write never triggers a refetch: nothing
// changed on chain.
func (s *Accessor) safeWrite(ctx context.Context, action, amount, fn string, args ...any) (common.Hash, error) {
	if !s.rw.Connected() {
		return common.Hash{}, eth.ErrWalletNotConnected
	}
	if err := s.inflight.Acquire(action); err != nil {
		return common.Hash{}, err
	}
	defer s.inflight.Release(action)

	hash, err := s.rw.Write(ctx, s.chain.StakingAddress, eth.Staking, fn, args...)
	if err != nil {
		log.Error().Err(err).Str("chain", s.chain.Name).Msgf("staking: %s failed", action)
		bus.Send("tx", "failure", &bus.B_TxFailed{ChainId: s.chain.ChainId, Action: action, Reason: err.Error()})
		return common.Hash{}, err
	}

	bus.Send("tx", "submitted", &bus.B_TxSubmitted{ChainId: s.chain.ChainId, Action: action, Amount: amount, Hash: hash})
	s.afterWrite(ctx)
	bus.Send("tx", "success", &bus.B_TxSuccess{ChainId: s.chain.ChainId, Action: action, Amount: amount, Hash: hash})

	return hash, nil
}

func (s *Accessor) afterWrite(ctx context.Context) {
	if s.rw.Policy() == cmn.ConfirmOnReceipt {
		if err := s.RefetchAll(ctx); err != nil {
			log.Error().Err(err).Msg("staking: post-write refetch failed")
		}
		return
	}
	// broadcast policy: the tx is likely not mined yet, schedule the
	// refetch on the bus; refetchLoop serves it after the delay
	bus.SendAfter(s.cfg.RefetchDelay, "refetch", "trigger", &bus.B_Refetch{ChainId: s.chain.ChainId, Scope: "staking"})
}

func (s *Accessor) toBaseUnits(amount string) (*big.Int, error) {
	wei, err := cmn.ParseAmount(amount, s.cfg.TokenDecimals)
	if err != nil {
		return nil, err
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", cmn.ErrInvalidAmount)
	}
	return wei, nil
}

// Stake locks amount in the staking contract. Requires a prior
// approval covering the amount; otherwise ErrApprovalRequired is
// returned with zero transactions submitted.
func (s *Accessor) Stake(ctx context.Context, amount string) (common.Hash, error) {
	wei, err := s.toBaseUnits(amount)
	if err != nil {
		return common.Hash{}, err
	}
	if !s.rw.Connected() {
		return common.Hash{}, eth.ErrWalletNotConnected
	}

	allowance, err := s.readTokenBig(ctx, "allowance", s.user, s.chain.StakingAddress)
	if err != nil {
		return common.Hash{}, err
	}
	if allowance.Cmp(wei) < 0 {
		return common.Hash{}, &ErrApprovalRequired{Needed: wei, Have: allowance}
	}

	balance, err := s.readTokenBig(ctx, "balanceOf", s.user)
	if err != nil {
		return common.Hash{}, err
	}
	if balance.Cmp(wei) < 0 {
		return common.Hash{}, ErrInsufficientBalance
	}

	return s.safeWrite(ctx, "stake", amount, "stake", wei)
}

func (s *Accessor) readTokenBig(ctx context.Context, fn string, args ...any) (*big.Int, error) {
	values, err := s.rw.Read(ctx, s.chain.TokenAddress, eth.Token, fn, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected output type for " + fn)
	}
	return v, nil
}

// Withdraw returns amount to the user's wallet once the lock period
// has elapsed.
func (s *Accessor) Withdraw(ctx context.Context, amount string) (common.Hash, error) {
	wei, err := s.toBaseUnits(amount)
	if err != nil {
		return common.Hash{}, err
	}

	s.mu.RLock()
	staked := s.stakedAmount
	canWithdraw := s.canWithdraw
	s.mu.RUnlock()

	if staked != nil && wei.Cmp(staked) > 0 {
		return common.Hash{}, ErrInsufficientStaked
	}
	if !canWithdraw {
		return common.Hash{}, ErrTokensLocked
	}

	return s.safeWrite(ctx, "withdraw", amount, "withdraw", wei)
}

func (s *Accessor) ClaimRewards(ctx context.Context) (common.Hash, error) {
	if err := s.requireRewards(); err != nil {
		return common.Hash{}, err
	}
	return s.safeWrite(ctx, "claimRewards", s.pendingFormatted(), "claimRewards")
}

// ClaimAndRestake compounds in a single contract-side call rather
// than two client transactions.
func (s *Accessor) ClaimAndRestake(ctx context.Context) (common.Hash, error) {
	if err := s.requireRewards(); err != nil {
		return common.Hash{}, err
	}
	return s.safeWrite(ctx, "claimAndRestake", s.pendingFormatted(), "claimAndRestake")
}

func (s *Accessor) requireRewards() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil || s.pending.Sign() <= 0 {
		return ErrNoRewards
	}
	return nil
}

func (s *Accessor) pendingFormatted() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return ""
	}
	return cmn.FmtAmount(s.pending, s.cfg.TokenDecimals)
}

// EmergencyWithdraw bypasses the lock at the cost of a penalty and
// the pending rewards. Destructive and irreversible: the confirm
// callback must return true or nothing is submitted.
func (s *Accessor) EmergencyWithdraw(ctx context.Context, confirm func() bool) (common.Hash, error) {
	if confirm == nil || !confirm() {
		return common.Hash{}, ErrNotConfirmed
	}
	return s.safeWrite(ctx, "emergencyWithdraw", "", "emergencyWithdraw")
}

// Admin actions. Access control is contract-side; the client only
// surfaces the revert reason.

func (s *Accessor) Pause(ctx context.Context) (common.Hash, error) {
	return s.safeWrite(ctx, "pause", "", "pause")
}

func (s *Accessor) Unpause(ctx context.Context) (common.Hash, error) {
	return s.safeWrite(ctx, "unpause", "", "unpause")
}

func (s *Accessor) SetInitialApr(ctx context.Context, newApr string) (common.Hash, error) {
	wei, err := s.toBaseUnits(newApr)
	if err != nil {
		return common.Hash{}, err
	}
	return s.safeWrite(ctx, "setInitialApr", newApr, "setInitialApr", wei)
}

func (s *Accessor) SetMinLockDuration(ctx context.Context, seconds uint64) (common.Hash, error) {
	return s.safeWrite(ctx, "setMinLockDuration", "", "setMinLockDuration", new(big.Int).SetUint64(seconds))
}

func (s *Accessor) SetAprReductionPerThousand(ctx context.Context, reduction uint64) (common.Hash, error) {
	return s.safeWrite(ctx, "setAprReductionPerThousand", "", "setAprReductionPerThousand", new(big.Int).SetUint64(reduction))
}

func (s *Accessor) SetEmergencyWithdrawPenalty(ctx context.Context, penalty uint64) (common.Hash, error) {
	return s.safeWrite(ctx, "setEmergencyWithdrawPenalty", "", "setEmergencyWithdrawPenalty", new(big.Int).SetUint64(penalty))
}

func (s *Accessor) RecoverERC20(ctx context.Context, token common.Address, amount string) (common.Hash, error) {
	wei, err := s.toBaseUnits(amount)
	if err != nil {
		return common.Hash{}, err
	}
	return s.safeWrite(ctx, "recoverERC20", amount, "recoverERC20", token, wei)
}

func (s *Accessor) TransferOwnership(ctx context.Context, newOwner common.Address) (common.Hash, error) {
	return s.safeWrite(ctx, "transferOwnership", "", "transferOwnership", newOwner)
}

func (s *Accessor) RenounceOwnership(ctx context.Context) (common.Hash, error) {
	return s.safeWrite(ctx, "renounceOwnership", "", "renounceOwnership")
}
