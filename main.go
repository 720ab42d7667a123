package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stakeboard/stakeboard/bus"
	"github.com/stakeboard/stakeboard/cmn"
	"github.com/stakeboard/stakeboard/eth"
	"github.com/stakeboard/stakeboard/portfolio"
	"github.com/stakeboard/stakeboard/registry"
	"github.com/stakeboard/stakeboard/staking"
	"github.com/stakeboard/stakeboard/token"
	"github.com/stakeboard/stakeboard/ws"
)

func main() {
	configPath := flag.String("config", "", "path to "+cmn.CONFIG_NAME)
	flag.Parse()

	cmn.InitConfig(*configPath)
	bus.Init()
	ws.Init()

	var signer eth.Signer
	if cmn.Config.KeyFile != "" {
		s, err := eth.LoadKeySigner(cmn.Config.KeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load signing key")
		}
		signer = s
		log.Info().Msgf("wallet: %s", s.Address().Hex())
	} else {
		log.Info().Msg("no key file configured, read-only mode")
	}

	overrides := make(map[uint64]string)
	for _, o := range cmn.Config.Chains {
		overrides[o.ChainId] = o.Url
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aggregator := portfolio.NewAggregator(18)
	tokens := make(map[uint64]*token.Accessor)
	var adapters []*eth.Adapter

	for _, chain := range registry.All() {
		opts := []eth.Option{eth.WithPolicy(cmn.Config.ConfirmPolicy)}
		if url := overrides[chain.ChainId]; url != "" {
			opts = append(opts, eth.WithUrl(url))
		}
		if signer != nil {
			opts = append(opts, eth.WithSigner(signer))
		}

		adapter, err := eth.Dial(chain.ChainId, opts...)
		if err != nil {
			log.Error().Err(err).Msgf("failed to connect to %s, skipping", chain.Name)
			continue
		}
		adapters = append(adapters, adapter)

		tok := token.New(adapter, token.Config{
			Spender:      chain.StakingAddress,
			WatchEvents:  true,
			RefetchDelay: cmn.Config.RefetchDelay,
		})
		tokens[chain.ChainId] = tok

		stk, err := staking.New(adapter, staking.Config{
			WatchEvents:   true,
			TokenDecimals: chain.TokenDecimals,
			RefetchDelay:  cmn.Config.RefetchDelay,
		})
		if err != nil {
			log.Fatal().Err(err).Msgf("staking accessor for %s", chain.Name)
		}
		aggregator.Add(chain.ChainId, stk)

		log.Info().Msgf("connected to %s (%d)", chain.Name, chain.ChainId)
	}

	if len(adapters) == 0 {
		log.Fatal().Msg("no chain available")
	}

	for id, tok := range tokens {
		if err := tok.Refresh(ctx); err != nil {
			log.Error().Err(err).Msgf("initial token refresh on chain %d", id)
		}
		if err := tok.Watch(ctx); err != nil {
			log.Error().Err(err).Msgf("token watch on chain %d", id)
		}
	}
	if err := aggregator.RefetchAll(ctx); err != nil {
		log.Error().Err(err).Msg("initial staking refetch")
	}
	if err := aggregator.Watch(ctx); err != nil {
		log.Error().Err(err).Msg("staking watch")
	}

	if cmn.Config.WSEnabled {
		bus.Send("ws", "open", nil)
	}

	// events cover most invalidation; the poll catches what they miss
	// (reward accrual, missed logs after a dropped subscription)
	go func() {
		ticker := time.NewTicker(cmn.Config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := aggregator.RefetchAll(ctx); err != nil {
					log.Error().Err(err).Msg("periodic staking refetch")
				}
				for id, tok := range tokens {
					if err := tok.Refresh(ctx); err != nil {
						log.Error().Err(err).Msgf("periodic token refresh on chain %d", id)
					}
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	aggregator.Unwatch()
	for _, tok := range tokens {
		tok.Unwatch()
	}
	cancel()
	for _, a := range adapters {
		a.Close()
	}
}
