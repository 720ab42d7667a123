package token

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/stakeboard/stakeboard/bus"
	"github.com/stakeboard/stakeboard/cmn"
	"github.com/stakeboard/stakeboard/eth"
)

// safeWrite submits one transaction and, only on success, refreshes
// the fields the action touched. A failed write never triggers a
// refetch: nothing changed.
func (t *Accessor) safeWrite(ctx context.Context, action, amount string, refetch func(context.Context) error, fn string, args ...any) (common.Hash, error) {
	if !t.rw.Connected() {
		return common.Hash{}, eth.ErrWalletNotConnected
	}
	if err := t.inflight.Acquire(action); err != nil {
		return common.Hash{}, err
	}
	defer t.inflight.Release(action)

	hash, err := t.rw.Write(ctx, t.chain.TokenAddress, eth.Token, fn, args...)
	if err != nil {
		log.Error().Err(err).Str("chain", t.chain.Name).Msgf("token: %s failed", action)
		bus.Send("tx", "failure", &bus.B_TxFailed{ChainId: t.chain.ChainId, Action: action, Reason: err.Error()})
		return common.Hash{}, err
	}

	bus.Send("tx", "submitted", &bus.B_TxSubmitted{ChainId: t.chain.ChainId, Action: action, Amount: amount, Hash: hash})
	t.afterWrite(refetch)
	bus.Send("tx", "success", &bus.B_TxSuccess{ChainId: t.chain.ChainId, Action: action, Amount: amount, Hash: hash})

	return hash, nil
}

// afterWrite refreshes the touched fields now when the write resolved
// on receipt. On broadcast the node usually has not mined the tx yet,
// so the refetch is scheduled on the bus and refetchLoop serves it
// after the delay.
func (t *Accessor) afterWrite(refetch func(context.Context) error) {
	if t.rw.Policy() == cmn.ConfirmOnReceipt {
		if err := refetch(context.Background()); err != nil {
			log.Error().Err(err).Msg("token: post-write refetch failed")
			return
		}
		t.publish()
		return
	}
	bus.SendAfter(t.cfg.RefetchDelay, "refetch", "trigger", &bus.B_Refetch{ChainId: t.chain.ChainId, Scope: "token"})
}

// Approve grants the spender exactly amount. Policy: exact approvals,
// never unbounded allowances.
func (t *Accessor) Approve(ctx context.Context, spender common.Address, amount string) (common.Hash, error) {
	wei, err := t.toBaseUnits(amount)
	if err != nil {
		return common.Hash{}, err
	}
	return t.safeWrite(ctx, "approve", amount, t.refreshAllowance, "approve", spender, wei)
}

func (t *Accessor) Transfer(ctx context.Context, to common.Address, amount string) (common.Hash, error) {
	wei, err := t.toBaseUnits(amount)
	if err != nil {
		return common.Hash{}, err
	}

	t.mu.RLock()
	balance := t.balance
	t.mu.RUnlock()
	if balance != nil && wei.Cmp(balance) > 0 {
		return common.Hash{}, ErrInsufficientBalance
	}

	return t.safeWrite(ctx, "transfer", amount, t.refreshBalance, "transfer", to, wei)
}

// Mint requests the faucet allotment. The cooldown is enforced by the
// contract; CanMint is advisory.
func (t *Accessor) Mint(ctx context.Context) (common.Hash, error) {
	refetch := func(ctx context.Context) error {
		if err := t.refreshBalance(ctx); err != nil {
			return err
		}
		return t.refreshLastMint(ctx)
	}
	return t.safeWrite(ctx, "mint", "", refetch, "mint")
}
