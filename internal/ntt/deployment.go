package ntt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Deployment is the project descriptor maintained by the ntt CLI. Keys the
// CLI writes that are not modelled here are kept in Extra and written back
// unchanged, at every level.
type Deployment struct {
	Network string                `json:"network"`
	Chains  map[string]*ChainData `json:"chains"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ChainData is the per-chain section of a deployment
type ChainData struct {
	Version      string          `json:"version"`
	Mode         string          `json:"mode"`
	Paused       bool            `json:"paused"`
	Owner        string          `json:"owner"`
	Manager      string          `json:"manager"`
	Token        string          `json:"token"`
	Transceivers json.RawMessage `json:"transceivers,omitempty"`
	Limits       Limits          `json:"limits"`
	Pauser       string          `json:"pauser,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Limits holds transfer rate limits as decimal strings
type Limits struct {
	Outbound string            `json:"outbound"`
	Inbound  map[string]string `json:"inbound"`

	Extra map[string]json.RawMessage `json:"-"`
}

type (
	deploymentFields Deployment
	chainFields      ChainData
	limitsFields     Limits
)

// UnmarshalJSON decodes the modelled fields and keeps the rest in Extra
func (d *Deployment) UnmarshalJSON(raw []byte) error {
	if err := json.Unmarshal(raw, (*deploymentFields)(d)); err != nil {
		return err
	}
	extra, err := unknownKeys(raw, "network", "chains")
	d.Extra = extra
	return err
}

// MarshalJSON writes the modelled fields merged over Extra
func (d Deployment) MarshalJSON() ([]byte, error) {
	return withExtra(deploymentFields(d), d.Extra)
}

// UnmarshalJSON decodes the modelled fields and keeps the rest in Extra
func (c *ChainData) UnmarshalJSON(raw []byte) error {
	if err := json.Unmarshal(raw, (*chainFields)(c)); err != nil {
		return err
	}
	// omitempty members stay in Extra too, so an empty value survives
	extra, err := unknownKeys(raw, "version", "mode", "paused", "owner", "manager",
		"token", "limits")
	c.Extra = extra
	return err
}

// MarshalJSON writes the modelled fields merged over Extra
func (c ChainData) MarshalJSON() ([]byte, error) {
	return withExtra(chainFields(c), c.Extra)
}

// UnmarshalJSON decodes the modelled fields and keeps the rest in Extra
func (l *Limits) UnmarshalJSON(raw []byte) error {
	if err := json.Unmarshal(raw, (*limitsFields)(l)); err != nil {
		return err
	}
	extra, err := unknownKeys(raw, "outbound", "inbound")
	l.Extra = extra
	return err
}

// MarshalJSON writes the modelled fields merged over Extra
func (l Limits) MarshalJSON() ([]byte, error) {
	return withExtra(limitsFields(l), l.Extra)
}

// unknownKeys returns the members of the object raw other than known, or nil
// when there are none
func unknownKeys(raw []byte, known ...string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// withExtra encodes fields and adds every extra key it does not already set
func withExtra(fields interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil || len(extra) == 0 {
		return raw, err
	}

	merged := make(map[string]json.RawMessage, len(extra))
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ChainNames returns the chains of the deployment in sorted order
func (d *Deployment) ChainNames() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadDeployment loads a descriptor from path
func ReadDeployment(path string) (*Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment %s: %w", path, err)
	}

	var d Deployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to parse deployment %s: %w", path, err)
	}
	if d.Chains == nil {
		d.Chains = make(map[string]*ChainData)
	}
	return &d, nil
}

// WriteDeployment replaces the descriptor at path. The new content is written
// to a sibling file first so a crash never leaves a truncated descriptor.
func WriteDeployment(path string, d *Deployment) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deployment: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".deployment-*.json")
	if err != nil {
		return fmt.Errorf("failed to write deployment %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write deployment %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write deployment %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace deployment %s: %w", path, err)
	}
	return nil
}
