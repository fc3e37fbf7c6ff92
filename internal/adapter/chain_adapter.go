// Package adapter talks to EVM chains: it reads factory creation events for
// the scanner and sends the peer-token and minter transactions used while
// provisioning a project.
package adapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of an EVM JSON-RPC client the adapters use.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	Close()
}

// Common error types for chain adapters

var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = fmt.Errorf("invalid address format")

	// ErrInvalidPrivateKey indicates the signing key could not be decoded
	ErrInvalidPrivateKey = fmt.Errorf("invalid private key")

	// ErrTransactionReverted indicates a mined transaction with a failed status
	ErrTransactionReverted = fmt.Errorf("transaction reverted")

	// ErrEventNotFound indicates the expected log was missing from a receipt
	ErrEventNotFound = fmt.Errorf("event not found in receipt")

	// ErrReceiptTimeout indicates a transaction was not mined in time
	ErrReceiptTimeout = fmt.Errorf("timed out waiting for receipt")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   string
	Op      string // Operation that failed (e.g., "CreatePeerToken", "GetCurrentBlock")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain string, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
