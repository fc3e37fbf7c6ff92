package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ChainIDList is an ordered list of target chain identifiers. Most entries
// are decimal EVM chain ids, but non-EVM targets may use symbolic ids such
// as "solana-testnet", so entries are kept as strings.
//
// It decodes from a JSON array of numbers or strings, or from a single
// comma-separated string.
type ChainIDList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *ChainIDList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = ParseChainIDList(s)
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("chainIds must be an array or a comma separated string: %w", err)
	}

	out := make(ChainIDList, 0, len(raw))
	for _, item := range raw {
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			out = append(out, n.String())
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return fmt.Errorf("invalid chain id %s", string(item))
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

// ParseChainIDList splits a comma-separated list, dropping blanks
func ParseChainIDList(s string) ChainIDList {
	var out ChainIDList
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Numeric returns the entry as an unsigned integer when it is one
func Numeric(id string) (uint64, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
