package adapter

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Event and method names of the token factory and the tokens it deploys
const (
	EventTokenCreated     = "PumpOutTokenCreated"
	EventPeerTokenCreated = "PeerTokenCreated"
	MethodCreateToken     = "createPumpOutToken"
	MethodCreatePeerToken = "createPeerToken"
	MethodSetMinter       = "setMinter"
)

const factoryABIJSON = `[
  {"type":"function","name":"createPumpOutToken","stateMutability":"payable",
   "inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"chainIds","type":"uint256[]"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"createPeerToken","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"minter","type":"address"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"PumpOutTokenCreated","anonymous":false,
   "inputs":[{"name":"tokenAddress","type":"address","indexed":true},{"name":"name","type":"string","indexed":false},
             {"name":"symbol","type":"string","indexed":false},{"name":"chainIds","type":"uint256[]","indexed":false}]},
  {"type":"event","name":"PeerTokenCreated","anonymous":false,
   "inputs":[{"name":"tokenAddress","type":"address","indexed":true},{"name":"minter","type":"address","indexed":true},
             {"name":"name","type":"string","indexed":false},{"name":"symbol","type":"string","indexed":false}]}
]`

const tokenABIJSON = `[
  {"type":"function","name":"setMinter","stateMutability":"nonpayable",
   "inputs":[{"name":"newMinter","type":"address"}],"outputs":[]}
]`

var (
	// FactoryABI is the token factory deployed on every supported EVM chain
	FactoryABI = mustParseABI(factoryABIJSON)
	// TokenABI covers the token methods the orchestrator calls
	TokenABI = mustParseABI(tokenABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
