package eth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrWalletNotConnected is returned by write calls when no signer is
// configured. Reads do not need a wallet.
var ErrWalletNotConnected = errors.New("wallet not connected")

// ErrRejected is returned when the signer refuses to sign.
var ErrRejected = errors.New("rejected by user")

// RevertError is a contract-side failure. Reason is the decoded revert
// string when the node supplied return data, otherwise empty.
type RevertError struct {
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("execution reverted: %s", e.Reason)
	}
	return "execution reverted"
}

func (e *RevertError) Unwrap() error { return e.Err }

// TransportError is a network/node failure. The read that produced it
// leaves its field stale rather than crashing anything upstream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// classify maps a raw node error onto the adapter taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var alreadyRevert *RevertError
	var alreadyTransport *TransportError
	if errors.As(err, &alreadyRevert) || errors.As(err, &alreadyTransport) {
		return err
	}

	if strings.Contains(err.Error(), "execution reverted") {
		return &RevertError{Reason: revertReason(err), Err: err}
	}

	return &TransportError{Err: err}
}

// revertReason decodes the ABI-encoded Error(string) payload the node
// attaches to a revert, when present.
func revertReason(err error) string {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return trimRevertPrefix(err.Error())
	}

	hexData, ok := de.ErrorData().(string)
	if !ok {
		return trimRevertPrefix(err.Error())
	}

	data, decErr := hexutil.Decode(hexData)
	if decErr != nil {
		return trimRevertPrefix(err.Error())
	}

	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return ""
	}
	return reason
}

func trimRevertPrefix(s string) string {
	const p = "execution reverted"
	i := strings.Index(s, p)
	if i < 0 {
		return ""
	}
	rest := strings.TrimLeft(s[i+len(p):], ": ")
	return rest
}

// IsTransient reports whether a read is worth retrying.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
