// Package types provides common type definitions shared by the orchestrator packages.
package types

import (
	"encoding/json"
	"time"
)

// CallStatus represents the lifecycle state of a tracked task invocation
type CallStatus string

const (
	// CallStatusQueued represents a call accepted and waiting in its queue
	CallStatusQueued CallStatus = "queued"
	// CallStatusInProgress represents a call picked up by a worker
	CallStatusInProgress CallStatus = "in-progress"
	// CallStatusCompleted represents a call whose task returned successfully
	CallStatusCompleted CallStatus = "completed"
	// CallStatusFailed represents a call whose latest attempt raised an error
	CallStatusFailed CallStatus = "failed"
)

// Valid reports whether s is one of the four known statuses
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusQueued, CallStatusInProgress, CallStatusCompleted, CallStatusFailed:
		return true
	}
	return false
}

// AllowedPredecessors lists the statuses a call may hold before moving to s.
// in-progress -> in-progress is a retried attempt; completed and failed are
// terminal.
func (s CallStatus) AllowedPredecessors() []CallStatus {
	switch s {
	case CallStatusInProgress:
		return []CallStatus{CallStatusQueued, CallStatusInProgress}
	case CallStatusCompleted, CallStatusFailed:
		return []CallStatus{CallStatusInProgress}
	default:
		return nil
	}
}

// ChainFamily classifies a target chain by the provisioning procedure it needs
type ChainFamily string

const (
	FamilyEVM     ChainFamily = "evm"
	FamilySolana  ChainFamily = "solana"
	FamilySui     ChainFamily = "sui"
	FamilyUnknown ChainFamily = "unknown"
)

// Call is the public projection of a call ledger row
type Call struct {
	ID        string          `json:"id"`
	TaskName  string          `json:"taskName"`
	Params    json.RawMessage `json:"params"`
	Status    CallStatus      `json:"status"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TokenCreatedEvent is a decoded factory creation event as it travels from
// the scanner to the process-events task
type TokenCreatedEvent struct {
	EventHash       string      `json:"eventHash,omitempty"`
	Network         string      `json:"network"`
	ContractAddress string      `json:"contractAddress,omitempty"`
	TokenAddress    string      `json:"tokenAddress"`
	Name            string      `json:"name,omitempty"`
	Symbol          string      `json:"symbol,omitempty"`
	Minter          string      `json:"minter,omitempty"`
	ChainIDs        ChainIDList `json:"chainIds"`
	BlockNumber     uint64      `json:"blockNumber,omitempty"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
