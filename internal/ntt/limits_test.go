package ntt

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateLimits(t *testing.T) {
	in := &Deployment{
		Network: "Testnet",
		Chains: map[string]*ChainData{
			"BaseSepolia":     {Token: "0x1", Limits: Limits{Outbound: "0", Inbound: map[string]string{"Solana": "1"}}},
			"ArbitrumSepolia": {Token: "0x2", Limits: Limits{Outbound: "0"}},
			"Solana":          {Token: "Mint", Limits: Limits{Outbound: "0", Inbound: map[string]string{}}},
		},
	}

	out := UpdateLimits(in)

	base := out.Chains["BaseSepolia"].Limits
	assert.Equal(t, EVMOutboundLimit, base.Outbound)
	assert.Equal(t, map[string]string{
		"ArbitrumSepolia": EVMInboundLimit,
		"Solana":          EVMInboundLimit,
	}, base.Inbound)

	arb := out.Chains["ArbitrumSepolia"].Limits
	assert.Equal(t, EVMOutboundLimit, arb.Outbound)
	assert.Len(t, arb.Inbound, 2)

	sol := out.Chains["Solana"].Limits
	assert.Equal(t, SolanaOutboundLimit, sol.Outbound)
	assert.Equal(t, map[string]string{
		"BaseSepolia":     SolanaInboundLimit,
		"ArbitrumSepolia": SolanaInboundLimit,
	}, sol.Inbound)

	for name, chain := range out.Chains {
		_, self := chain.Limits.Inbound[name]
		assert.False(t, self, "chain %s has an inbound limit from itself", name)
	}

	// the input is untouched
	assert.Equal(t, "0", in.Chains["BaseSepolia"].Limits.Outbound)
	assert.Nil(t, in.Chains["ArbitrumSepolia"].Limits.Inbound)
	assert.Equal(t, "0x1", out.Chains["BaseSepolia"].Token)
}

func TestUpdateLimits_SolanaIsCaseInsensitive(t *testing.T) {
	out := UpdateLimits(&Deployment{Chains: map[string]*ChainData{
		"SOLANA":   {},
		"Ethereum": {},
	}})
	assert.Equal(t, SolanaOutboundLimit, out.Chains["SOLANA"].Limits.Outbound)
	assert.Equal(t, SolanaInboundLimit, out.Chains["SOLANA"].Limits.Inbound["Ethereum"])
	assert.False(t, IsSuiChain("Sui"))
}

func TestUpdateLimits_SingleChain(t *testing.T) {
	out := UpdateLimits(&Deployment{Chains: map[string]*ChainData{"Sepolia": {}}})
	assert.Equal(t, EVMOutboundLimit, out.Chains["Sepolia"].Limits.Outbound)
	assert.Empty(t, out.Chains["Sepolia"].Limits.Inbound)
	assert.NotNil(t, out.Chains["Sepolia"].Limits.Inbound)
}

func genDeployment() gopter.Gen {
	names := gen.OneConstOf("Ethereum", "Sepolia", "BaseSepolia", "ArbitrumSepolia", "Solana", "solana", "Sui", "Polygon")
	return gen.MapOf(names, gen.AlphaString()).Map(func(m map[string]string) *Deployment {
		d := &Deployment{Network: "Testnet", Chains: make(map[string]*ChainData, len(m))}
		for name, seed := range m {
			d.Chains[name] = &ChainData{
				Token:  seed,
				Limits: Limits{Outbound: seed, Inbound: map[string]string{"Stale": seed}},
			}
		}
		return d
	})
}

func TestUpdateLimitsProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("applying twice is the same as applying once", prop.ForAll(
		func(d *Deployment) bool {
			once := UpdateLimits(d)
			twice := UpdateLimits(once)
			a, err := json.Marshal(once)
			require.NoError(t, err)
			b, err := json.Marshal(twice)
			require.NoError(t, err)
			return string(a) == string(b)
		},
		genDeployment(),
	))

	properties.Property("every ordered pair of distinct chains gets an inbound limit", prop.ForAll(
		func(d *Deployment) bool {
			out := UpdateLimits(d)
			for name, chain := range out.Chains {
				for other := range out.Chains {
					_, ok := chain.Limits.Inbound[other]
					if ok == (name == other) {
						return false
					}
				}
			}
			return true
		},
		genDeployment(),
	))

	properties.Property("the input deployment is not modified", prop.ForAll(
		func(d *Deployment) bool {
			before, _ := json.Marshal(d)
			_ = UpdateLimits(d)
			after, _ := json.Marshal(d)
			return reflect.DeepEqual(before, after)
		},
		genDeployment(),
	))

	properties.TestingRun(t)
}
