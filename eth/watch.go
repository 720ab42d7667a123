package eth

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

type watcher struct {
	sub  ethereum.Subscription
	logs chan types.Log
	byID map[common.Hash]string
	quit chan struct{}
}

// Watch subscribes to the named events of one contract and feeds each
// matching log to the handler. The returned handle must be
// unsubscribed on teardown.
func (a *Adapter) Watch(ctx context.Context, to common.Address, ab abi.ABI, events []string, h LogHandler) (Sub, error) {
	byID := make(map[common.Hash]string, len(events))
	topic0 := make([]common.Hash, 0, len(events))
	for _, name := range events {
		ev, ok := ab.Events[name]
		if !ok {
			return nil, fmt.Errorf("unknown event: %s", name)
		}
		byID[ev.ID] = name
		topic0 = append(topic0, ev.ID)
	}

	q := ethereum.FilterQuery{
		Addresses: []common.Address{to},
		Topics:    [][]common.Hash{topic0},
	}

	logs := make(chan types.Log, 100)
	sub, err := a.backend.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		log.Error().Err(err).Str("chain", a.chain.Name).Msg("Watch: subscribe failed")
		return nil, classify(err)
	}

	w := &watcher{
		sub:  sub,
		logs: logs,
		byID: byID,
		quit: make(chan struct{}),
	}
	go w.loop(h)

	return w, nil
}

func (w *watcher) loop(h LogHandler) {
	for {
		select {
		case lg := <-w.logs:
			if lg.Removed {
				continue // reorged out
			}
			if len(lg.Topics) == 0 {
				continue
			}
			name, ok := w.byID[lg.Topics[0]]
			if !ok {
				continue
			}
			h(name, lg)
		case err := <-w.sub.Err():
			if err != nil {
				log.Error().Err(err).Msg("Watch: subscription dropped")
			}
			return
		case <-w.quit:
			return
		}
	}
}

func (w *watcher) Unsubscribe() {
	w.sub.Unsubscribe()
	close(w.quit)
}

// TopicAddress extracts an indexed address argument from a log topic.
func TopicAddress(lg types.Log, index int) common.Address {
	if index >= len(lg.Topics) {
		return common.Address{}
	}
	return common.BytesToAddress(lg.Topics[index].Bytes())
}
