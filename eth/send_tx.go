package eth

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/stakeboard/stakeboard/cmn"
)

const receiptPollInterval = 2 * time.Second

// Write packs a state-mutating call, signs and broadcasts it. Under
// ConfirmOnBroadcast it returns as soon as the node accepts the tx;
// under ConfirmOnReceipt it also waits for the mined receipt and
// reports a reverted tx as a RevertError.
func (a *Adapter) Write(ctx context.Context, to common.Address, ab abi.ABI, fn string, args ...any) (common.Hash, error) {
	if a.signer == nil {
		return common.Hash{}, ErrWalletNotConnected
	}

	data, err := ab.Pack(fn, args...)
	if err != nil {
		log.Error().Msgf("Write: cannot pack %s. Error:(%v)", fn, err)
		return common.Hash{}, err
	}

	tx, err := a.buildTx(ctx, to, data)
	if err != nil {
		return common.Hash{}, err
	}

	signedTx, err := a.signer.SignTx(new(big.Int).SetUint64(a.chain.ChainId), tx)
	if err != nil {
		log.Error().Err(err).Msgf("Write: signing %s failed", fn)
		return common.Hash{}, err
	}

	err = a.backend.SendTransaction(ctx, signedTx)
	if err != nil {
		log.Error().Err(err).Str("chain", a.chain.Name).Msgf("Write: broadcast %s failed", fn)
		return common.Hash{}, classify(err)
	}

	hash := signedTx.Hash()
	log.Trace().Str("chain", a.chain.Name).Str("tx", hash.Hex()).Msgf("Write: %s broadcast", fn)

	if a.policy == cmn.ConfirmOnReceipt {
		if err := a.waitMined(ctx, hash); err != nil {
			return hash, err
		}
	}

	return hash, nil
}

func (a *Adapter) buildTx(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	from := a.signer.Address()

	nonce, err := a.backend.PendingNonceAt(ctx, from)
	if err != nil {
		log.Error().Msgf("buildTx: cannot get nonce. Error:(%v)", err)
		return nil, classify(err)
	}

	msg := ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: data,
	}

	gasLimit, err := a.backend.EstimateGas(ctx, msg)
	if err != nil {
		// estimation simulates the call, so a doomed tx fails here
		log.Error().Msgf("buildTx: cannot estimate gas. Error:(%v)", err)
		return nil, classify(err)
	}

	priorityFee, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		log.Error().Err(err).Msg("buildTx: failed to suggest gas tip cap")
		return nil, classify(err)
	}

	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("buildTx: failed to get the latest header")
		return nil, classify(err)
	}

	// maxFeePerGas = 2 * (baseFee + tip), headroom for base fee drift
	maxFeePerGas := new(big.Int).Add(head.BaseFee, priorityFee)
	maxFeePerGas.Mul(maxFeePerGas, big.NewInt(2))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(a.chain.ChainId),
		Nonce:     nonce,
		To:        &to,
		Gas:       gasLimit,
		GasFeeCap: maxFeePerGas,
		GasTipCap: priorityFee,
		Data:      data,
	}), nil
}

func (a *Adapter) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return &RevertError{Err: nil}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return &TransportError{Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
