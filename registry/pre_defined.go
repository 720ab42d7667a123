package registry

import "github.com/ethereum/go-ethereum/common"

var Predefined []Chain = []Chain{
	{
		Name:           "Base Sepolia",
		Url:            "https://sepolia.base.org",
		ChainId:        84532,
		ExplorerUrl:    "https://sepolia.basescan.org",
		Currency:       "ETH",
		TokenAddress:   common.HexToAddress("0x1573Cbbe7fcdeFe94Bbda4854Cac622C02b983EF"),
		StakingAddress: common.HexToAddress("0x250C8478F8d292b6C1323054CEFA3bbF5845e439"),
		TokenDecimals:  18,
	},
	{
		Name:           "Celo Sepolia",
		Url:            "https://forno.celo-sepolia.celo-testnet.org",
		ChainId:        11142220,
		ExplorerUrl:    "https://celo-sepolia.blockscout.com",
		Currency:       "CELO",
		TokenAddress:   common.HexToAddress("0xa20A783bB0f2A9A8Cf0fB8776ff83757d965391d"),
		StakingAddress: common.HexToAddress("0xd52C356EBD736A7d54fA0dF75b3a2794522C6d93"),
		TokenDecimals:  18,
	},
}
