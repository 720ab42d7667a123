package bus

import (
	"github.com/ethereum/go-ethereum/common"
)

// ---------- tx ----------

// Every state-changing action reports three phases on the "tx" topic:
// submitted, success, failure.

type B_TxSubmitted struct { // submitted
	ChainId uint64
	Action  string
	Amount  string // human-readable, empty for amount-less actions
	Hash    common.Hash
}

type B_TxSuccess struct { // success
	ChainId uint64
	Action  string
	Amount  string
	Hash    common.Hash
}

type B_TxFailed struct { // failure
	ChainId uint64
	Action  string
	Reason  string
}

// ---------- refetch ----------

type B_Refetch struct { // trigger
	ChainId uint64
	Scope   string // "token" | "staking"
}

// ---------- snapshot ----------

type B_SnapshotUpdated struct { // updated
	ChainId uint64
	Kind    string // "token" | "staking" | "portfolio"
	Data    any
}
