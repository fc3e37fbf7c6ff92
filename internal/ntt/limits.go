package ntt

import "strings"

// Flat rate limits applied to every chain pair
const (
	SolanaOutboundLimit = "999999990.100000000"
	SolanaInboundLimit  = "999999990.100000000"
	EVMOutboundLimit    = "184467440737.095516150000000000"
	EVMInboundLimit     = "999999990.095516150000000000"
)

// IsSolanaChain reports whether a deployment chain name is Solana
func IsSolanaChain(name string) bool {
	return strings.EqualFold(name, "solana")
}

// IsSuiChain always reports false; Sui chains currently get the EVM limits
func IsSuiChain(name string) bool {
	return false
}

// UpdateLimits returns a copy of d in which every chain's outbound limit and
// its inbound limit from every other chain are set to the flat maximums.
// The input is not modified and applying it twice gives the same result.
func UpdateLimits(d *Deployment) *Deployment {
	out := &Deployment{
		Network: d.Network,
		Chains:  make(map[string]*ChainData, len(d.Chains)),
		Extra:   d.Extra,
	}

	for name, chain := range d.Chains {
		if chain == nil {
			chain = &ChainData{}
		}
		updated := *chain
		updated.Limits.Inbound = make(map[string]string, len(chain.Limits.Inbound)+len(d.Chains))
		for k, v := range chain.Limits.Inbound {
			updated.Limits.Inbound[k] = v
		}

		solana := IsSolanaChain(name)

		if solana {
			updated.Limits.Outbound = SolanaOutboundLimit
		} else {
			updated.Limits.Outbound = EVMOutboundLimit
		}

		for other := range d.Chains {
			if other == name {
				continue
			}
			if solana {
				updated.Limits.Inbound[other] = SolanaInboundLimit
			} else {
				updated.Limits.Inbound[other] = EVMInboundLimit
			}
		}

		out.Chains[name] = &updated
	}

	return out
}
