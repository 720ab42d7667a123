package eth

import (
	"bytes"
	_ "embed"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/rs/zerolog/log"
)

//go:embed ABI/token.json
var TOKEN_ABI_JSON []byte
var Token abi.ABI

//go:embed ABI/staking.json
var STAKING_ABI_JSON []byte
var Staking abi.ABI

func init() {
	var err error

	Token, err = abi.JSON(bytes.NewReader(TOKEN_ABI_JSON))
	if err != nil {
		log.Fatal().Msgf("Error parsing token ABI: %v", err)
	}

	Staking, err = abi.JSON(bytes.NewReader(STAKING_ABI_JSON))
	if err != nil {
		log.Fatal().Msgf("Error parsing staking ABI: %v", err)
	}
}
