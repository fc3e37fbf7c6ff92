package pipeline

import (
	"fmt"
	"strings"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/types"
)

// chainNames maps chain ids to the names ntt add-chain expects
var chainNames = map[string]string{
	"1":        "Ethereum",
	"11155111": "Sepolia",
	"137":      "Polygon",
	"42161":    "Arbitrum",
	"421614":   "ArbitrumSepolia",
	"8453":     "Base",
	"84532":    "BaseSepolia",
	"10":       "Optimism",
	"11155420": "OptimismSepolia",
	"901":      "Solana",
	"101":      "Sui",
	"102":      "Sui",
	"103":      "Sui",
}

var evmChainIDs = map[uint64]struct{}{
	1:        {}, // Ethereum
	2:        {}, // test value
	11155111: {}, // Sepolia
	137:      {}, // Polygon
	80002:    {}, // Polygon Amoy
	42161:    {}, // Arbitrum
	421611:   {}, // Arbitrum Rinkeby
	421614:   {}, // Arbitrum Sepolia
	10:       {}, // Optimism
	69:       {}, // Optimism Kovan
	11155420: {}, // Optimism Sepolia
	8453:     {}, // Base
	84532:    {}, // Base Sepolia
	31337:    {}, // Anvil
}

var (
	solanaIDs = map[string]struct{}{"solana-mainnet": {}, "solana-testnet": {}, "901": {}}
	suiIDs    = map[string]struct{}{"sui-mainnet": {}, "sui-testnet": {}, "101": {}, "102": {}, "103": {}}
)

// Classify returns the family of a target chain id. Any id outside the known
// sets is a validation error naming the id.
func Classify(chainID string) (types.ChainFamily, error) {
	id := strings.TrimSpace(chainID)
	if _, ok := solanaIDs[id]; ok {
		return types.FamilySolana, nil
	}
	if _, ok := suiIDs[id]; ok {
		return types.FamilySui, nil
	}
	if n, ok := types.Numeric(id); ok {
		if _, ok := evmChainIDs[n]; ok {
			return types.FamilyEVM, nil
		}
	}
	return types.FamilyUnknown, apperrors.NewValidationError("chainId",
		fmt.Sprintf("unknown network type for chain ID %s", id))
}

// ChainName returns the ntt chain name of a chain id
func ChainName(chainID string) (string, error) {
	id := strings.TrimSpace(chainID)
	if name, ok := chainNames[id]; ok {
		return name, nil
	}
	switch {
	case strings.HasPrefix(id, "solana-"):
		return "Solana", nil
	case strings.HasPrefix(id, "sui-"):
		return "Sui", nil
	}
	return "", apperrors.NewValidationError("chainId",
		fmt.Sprintf("no ntt chain name for chain ID %s", id))
}

// EVMChainID returns the EVM chain id registered under an ntt chain name
func EVMChainID(chainName string) (string, bool) {
	for id, name := range chainNames {
		if name != chainName {
			continue
		}
		if family, err := Classify(id); err == nil && family == types.FamilyEVM {
			return id, true
		}
	}
	return "", false
}
