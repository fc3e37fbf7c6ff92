package types

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainIDListUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ChainIDList
	}{
		{name: "numbers", input: `[84532, 421614]`, want: ChainIDList{"84532", "421614"}},
		{name: "strings", input: `["84532","solana-testnet"]`, want: ChainIDList{"84532", "solana-testnet"}},
		{name: "mixed", input: `[1, "901"]`, want: ChainIDList{"1", "901"}},
		{name: "comma string", input: `"84532, 421614,,"`, want: ChainIDList{"84532", "421614"}},
		{name: "empty array", input: `[]`, want: ChainIDList{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ChainIDList
			require.NoError(t, json.Unmarshal([]byte(tt.input), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChainIDListRejectsObjects(t *testing.T) {
	var got ChainIDList
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &got))
	assert.Error(t, json.Unmarshal([]byte(`[{"a":1}]`), &got))
}

func TestTokenCreatedEventDecodesStringChainIDs(t *testing.T) {
	var ev TokenCreatedEvent
	payload := `{"network":"11155111","tokenAddress":"0xabc","chainIds":"84532,421614"}`
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	assert.Equal(t, ChainIDList{"84532", "421614"}, ev.ChainIDs)
}

func TestCallStatusTransitions(t *testing.T) {
	assert.Contains(t, CallStatusInProgress.AllowedPredecessors(), CallStatusQueued)
	assert.Contains(t, CallStatusCompleted.AllowedPredecessors(), CallStatusInProgress)
	assert.NotContains(t, CallStatusInProgress.AllowedPredecessors(), CallStatusCompleted)
	assert.NotContains(t, CallStatusInProgress.AllowedPredecessors(), CallStatusFailed)
	assert.Empty(t, CallStatusQueued.AllowedPredecessors())
	assert.False(t, CallStatus("done").Valid())
}

func TestChainIDListProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("array and comma encodings decode to the same list", prop.ForAll(
		func(ids []uint32) bool {
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = strconv.FormatUint(uint64(id), 10)
			}

			arr, _ := json.Marshal(ids)
			str, _ := json.Marshal(strings.Join(parts, ","))

			var a, b ChainIDList
			if json.Unmarshal(arr, &a) != nil || json.Unmarshal(str, &b) != nil {
				return false
			}
			if len(a) != len(ids) || len(b) != len(ids) {
				return false
			}
			for i := range a {
				if a[i] != b[i] || a[i] != parts[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt32()),
	))

	properties.TestingRun(t)
}
