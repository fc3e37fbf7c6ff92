package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/retry"
	"github.com/ntt-orchestrator/internal/types"
)

// EVMAdapter reads and writes the token factory of one EVM chain
type EVMAdapter struct {
	chainID         string
	pool            *RPCPool
	retryConfig     *retry.RetryConfig
	receiptInterval time.Duration
	receiptTimeout  time.Duration
	gasMarginPct    uint64
	logger          *logging.Logger

	mu         sync.Mutex
	numericID  *big.Int
	senderMemo map[common.Hash]common.Address
}

// EVMAdapterConfig holds configuration for creating an EVMAdapter
type EVMAdapterConfig struct {
	// ChainID is the decimal chain id. Required.
	ChainID string
	// Pool provides the RPC connection. Required.
	Pool *RPCPool
	// Retry applies to reads and gas estimation. Default: 3 attempts from 500ms.
	Retry *retry.RetryConfig
	// ReceiptPollInterval defaults to 2s, ReceiptTimeout to 5m
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
	Logger              *logging.Logger
}

// PeerTokenRequest describes the token to deploy on a target chain
type PeerTokenRequest struct {
	Name   string
	Symbol string
	// Minter receives mint rights; the deployer when empty
	Minter string
}

// PeerToken is a deployed peer token
type PeerToken struct {
	Address string `json:"address"`
	TxHash  string `json:"txHash"`
}

// NewEVMAdapter creates an adapter over pool
func NewEVMAdapter(cfg *EVMAdapterConfig) (*EVMAdapter, error) {
	if cfg == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("rpc pool cannot be nil")
	}
	if _, ok := types.Numeric(cfg.ChainID); !ok {
		return nil, fmt.Errorf("chain id %q is not numeric", cfg.ChainID)
	}

	a := &EVMAdapter{
		chainID:         cfg.ChainID,
		pool:            cfg.Pool,
		retryConfig:     cfg.Retry,
		receiptInterval: cfg.ReceiptPollInterval,
		receiptTimeout:  cfg.ReceiptTimeout,
		gasMarginPct:    20,
		logger:          cfg.Logger,
		senderMemo:      make(map[common.Hash]common.Address),
	}
	if a.retryConfig == nil {
		a.retryConfig = &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		}
	}
	if a.receiptInterval == 0 {
		a.receiptInterval = 2 * time.Second
	}
	if a.receiptTimeout == 0 {
		a.receiptTimeout = 5 * time.Minute
	}
	if a.logger == nil {
		a.logger = logging.GetGlobalLogger()
	}
	a.logger = a.logger.WithField("chainId", cfg.ChainID)
	return a, nil
}

// GetChainID returns the chain identifier
func (a *EVMAdapter) GetChainID() string {
	return a.chainID
}

// Close closes the underlying connections
func (a *EVMAdapter) Close() {
	a.pool.Close()
}

// call runs fn against the current endpoint with retries, failing over to
// the next endpoint on rate limits and connection errors
func (a *EVMAdapter) call(ctx context.Context, op string, fn func(Backend) error) error {
	err := retry.Do(ctx, a.retryConfig, func(ctx context.Context, attempt int) error {
		err := fn(a.pool.Client())
		if err != nil && ShouldFailover(err) && a.pool.EndpointCount() > 1 {
			if ferr := a.pool.Failover(ctx); ferr != nil {
				a.logger.WithError(ferr).Warn("RPC failover failed")
			}
		}
		return err
	})
	if err != nil {
		return apperrors.NewChainError(a.chainID, op, err)
	}
	return nil
}

func (a *EVMAdapter) networkID(ctx context.Context) (*big.Int, error) {
	a.mu.Lock()
	cached := a.numericID
	a.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var id *big.Int
	if err := a.call(ctx, "ChainID", func(b Backend) (err error) {
		id, err = b.ChainID(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.numericID = id
	a.mu.Unlock()
	return id, nil
}

// GetCurrentBlock returns the current block number for the chain
func (a *EVMAdapter) GetCurrentBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.call(ctx, "GetCurrentBlock", func(b Backend) (err error) {
		head, err = b.BlockNumber(ctx)
		return err
	})
	return head, err
}

// FetchTokenCreatedEvents returns the factory creation events mined in
// [fromBlock, toBlock]. The minter is the sender of the creating transaction.
func (a *EVMAdapter) FetchTokenCreatedEvents(ctx context.Context, factory string, fromBlock, toBlock uint64) ([]*types.TokenCreatedEvent, error) {
	if !common.IsHexAddress(factory) {
		return nil, NewAdapterError(a.chainID, "FetchTokenCreatedEvents", ErrInvalidAddress, map[string]interface{}{
			"address": factory,
		})
	}
	factoryAddr := common.HexToAddress(factory)
	event := FactoryABI.Events[EventTokenCreated]

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{factoryAddr},
		Topics:    [][]common.Hash{{event.ID}},
	}

	var logs []ethtypes.Log
	if err := a.call(ctx, "FilterLogs", func(b Backend) (err error) {
		logs, err = b.FilterLogs(ctx, query)
		return err
	}); err != nil {
		return nil, err
	}

	events := make([]*types.TokenCreatedEvent, 0, len(logs))
	for i := range logs {
		lg := &logs[i]
		if lg.Removed || len(lg.Topics) < 2 {
			continue
		}

		ev, err := a.decodeTokenCreated(ctx, factoryAddr, lg)
		if err != nil {
			a.logger.WithError(err).WithField("txHash", lg.TxHash.Hex()).Warn("Skipping undecodable creation log")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *EVMAdapter) decodeTokenCreated(ctx context.Context, factory common.Address, lg *ethtypes.Log) (*types.TokenCreatedEvent, error) {
	var fields struct {
		Name     string
		Symbol   string
		ChainIds []*big.Int
	}
	if err := FactoryABI.UnpackIntoInterface(&fields, EventTokenCreated, lg.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", EventTokenCreated, err)
	}

	chainIDs := make(types.ChainIDList, 0, len(fields.ChainIds))
	for _, id := range fields.ChainIds {
		chainIDs = append(chainIDs, id.String())
	}

	minter, err := a.senderOf(ctx, lg.TxHash)
	if err != nil {
		return nil, err
	}

	return &types.TokenCreatedEvent{
		EventHash:       EventHash(lg),
		Network:         a.chainID,
		ContractAddress: factory.Hex(),
		TokenAddress:    common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		Name:            fields.Name,
		Symbol:          fields.Symbol,
		Minter:          minter.Hex(),
		ChainIDs:        chainIDs,
		BlockNumber:     lg.BlockNumber,
	}, nil
}

// EventHash identifies a log uniquely across scans
func EventHash(lg *ethtypes.Log) string {
	return fmt.Sprintf("%s-%d", lg.TxHash.Hex(), lg.Index)
}

func (a *EVMAdapter) senderOf(ctx context.Context, txHash common.Hash) (common.Address, error) {
	a.mu.Lock()
	if from, ok := a.senderMemo[txHash]; ok {
		a.mu.Unlock()
		return from, nil
	}
	a.mu.Unlock()

	chainID, err := a.networkID(ctx)
	if err != nil {
		return common.Address{}, err
	}

	var tx *ethtypes.Transaction
	if err := a.call(ctx, "TransactionByHash", func(b Backend) (err error) {
		tx, _, err = b.TransactionByHash(ctx, txHash)
		return err
	}); err != nil {
		return common.Address{}, err
	}

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover sender of %s: %w", txHash.Hex(), err)
	}

	a.mu.Lock()
	a.senderMemo[txHash] = from
	a.mu.Unlock()
	return from, nil
}

// CreatePeerToken deploys a peer token through the factory and returns the
// address read from the PeerTokenCreated log of the receipt
func (a *EVMAdapter) CreatePeerToken(ctx context.Context, factory, privateKey string, req PeerTokenRequest) (*PeerToken, error) {
	if !common.IsHexAddress(factory) {
		return nil, NewAdapterError(a.chainID, "CreatePeerToken", ErrInvalidAddress, map[string]interface{}{
			"address": factory,
		})
	}
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, NewAdapterError(a.chainID, "CreatePeerToken", err, nil)
	}

	minter := crypto.PubkeyToAddress(key.PublicKey)
	if req.Minter != "" {
		if !common.IsHexAddress(req.Minter) {
			return nil, apperrors.NewValidationError("minter", "not an EVM address")
		}
		minter = common.HexToAddress(req.Minter)
	}

	data, err := FactoryABI.Pack(MethodCreatePeerToken, req.Name, req.Symbol, minter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", MethodCreatePeerToken, err)
	}

	factoryAddr := common.HexToAddress(factory)
	receipt, err := a.transact(ctx, "CreatePeerToken", key, factoryAddr, data)
	if err != nil {
		return nil, err
	}

	eventID := FactoryABI.Events[EventPeerTokenCreated].ID
	for _, lg := range receipt.Logs {
		if lg.Address == factoryAddr && len(lg.Topics) >= 2 && lg.Topics[0] == eventID {
			token := common.BytesToAddress(lg.Topics[1].Bytes())
			a.logger.WithFields(map[string]interface{}{
				"token":  token.Hex(),
				"txHash": receipt.TxHash.Hex(),
			}).Info("Peer token created")
			return &PeerToken{Address: token.Hex(), TxHash: receipt.TxHash.Hex()}, nil
		}
	}

	return nil, NewAdapterError(a.chainID, "CreatePeerToken", ErrEventNotFound, map[string]interface{}{
		"txHash": receipt.TxHash.Hex(),
		"event":  EventPeerTokenCreated,
	})
}

// SetMinter grants mint rights on token to minter
func (a *EVMAdapter) SetMinter(ctx context.Context, token, minter, privateKey string) (string, error) {
	if !common.IsHexAddress(token) || !common.IsHexAddress(minter) {
		return "", apperrors.NewValidationError("setMinter", "token and minter must be EVM addresses")
	}
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", NewAdapterError(a.chainID, "SetMinter", err, nil)
	}

	data, err := TokenABI.Pack(MethodSetMinter, common.HexToAddress(minter))
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", MethodSetMinter, err)
	}

	receipt, err := a.transact(ctx, "SetMinter", key, common.HexToAddress(token), data)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// transact signs and sends a call to `to` and waits for a successful receipt.
// Only the reads around it are retried; the send is attempted once.
func (a *EVMAdapter) transact(ctx context.Context, op string, key *ecdsa.PrivateKey, to common.Address, data []byte) (*ethtypes.Receipt, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := a.networkID(ctx)
	if err != nil {
		return nil, err
	}

	var (
		nonce    uint64
		gasPrice *big.Int
		gas      uint64
	)
	if err := a.call(ctx, op+".PendingNonceAt", func(b Backend) (err error) {
		nonce, err = b.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		return nil, err
	}
	if err := a.call(ctx, op+".SuggestGasPrice", func(b Backend) (err error) {
		gasPrice, err = b.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := a.call(ctx, op+".EstimateGas", func(b Backend) (err error) {
		gas, err = b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
		return err
	}); err != nil {
		return nil, err
	}
	gas += gas * a.gasMarginPct / 100

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := a.pool.Client().SendTransaction(ctx, signed); err != nil {
		return nil, apperrors.NewChainError(a.chainID, op+".SendTransaction", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"op":     op,
		"txHash": signed.Hash().Hex(),
		"nonce":  nonce,
	}).Info("Transaction sent")

	receipt, err := a.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, apperrors.NewChainError(a.chainID, op+".WaitMined", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, apperrors.NewChainError(a.chainID, op, NewAdapterError(a.chainID, op, ErrTransactionReverted, map[string]interface{}{
			"txHash": signed.Hash().Hex(),
		}))
	}
	return receipt, nil
}

// waitMined polls for the receipt of txHash until it appears or the
// receipt timeout passes
func (a *EVMAdapter) waitMined(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.receiptTimeout)
	defer cancel()

	var receipt *ethtypes.Receipt
	poll := func() error {
		r, err := a.pool.Client().TransactionReceipt(waitCtx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}

	err := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(a.receiptInterval), waitCtx))
	if err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		}
		return nil, err
	}
	return receipt, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}
