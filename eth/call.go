package eth

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

const readAttempts = 3

// Read packs a view call, executes it and unpacks the outputs. View
// calls are idempotent, so transient transport failures are retried;
// reverts are not.
func (a *Adapter) Read(ctx context.Context, to common.Address, ab abi.ABI, fn string, args ...any) ([]any, error) {
	data, err := ab.Pack(fn, args...)
	if err != nil {
		log.Error().Msgf("Read: cannot pack %s. Error:(%v)", fn, err)
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &to,
		Data: data,
	}
	if a.signer != nil {
		msg.From = a.signer.Address()
	}

	output, err := retry.DoWithData(
		func() ([]byte, error) {
			out, callErr := a.backend.CallContract(ctx, msg, nil)
			return out, classify(callErr)
		},
		retry.Context(ctx),
		retry.Attempts(readAttempts),
		retry.Delay(200*time.Millisecond),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Error().Err(err).Str("chain", a.chain.Name).Msgf("Read: call %s failed", fn)
		return nil, err
	}

	values, err := ab.Unpack(fn, output)
	if err != nil {
		log.Error().Msgf("Read: cannot unpack %s. Error:(%v)", fn, err)
		return nil, err
	}

	return values, nil
}
