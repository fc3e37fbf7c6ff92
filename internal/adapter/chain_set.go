package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ntt-orchestrator/internal/config"
	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/retry"
	"github.com/ntt-orchestrator/internal/types"
)

// ChainSet lazily builds one EVMAdapter per configured chain id and resolves
// the factory address and deployer key of each chain from configuration
type ChainSet struct {
	chains          config.ChainsConfig
	dial            DialFunc
	retryConfig     *retry.RetryConfig
	receiptInterval time.Duration
	receiptTimeout  time.Duration
	logger          *logging.Logger

	mu       sync.Mutex
	adapters map[string]*EVMAdapter
}

// ChainSetConfig holds configuration for a ChainSet
type ChainSetConfig struct {
	Chains              config.ChainsConfig
	Dial                DialFunc
	Retry               *retry.RetryConfig
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
	Logger              *logging.Logger
}

// NewChainSet creates a chain set
func NewChainSet(cfg *ChainSetConfig) *ChainSet {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ChainSet{
		chains:          cfg.Chains,
		dial:            cfg.Dial,
		retryConfig:     cfg.Retry,
		receiptInterval: cfg.ReceiptPollInterval,
		receiptTimeout:  cfg.ReceiptTimeout,
		logger:          logger.WithField("component", "evm"),
		adapters:        make(map[string]*EVMAdapter),
	}
}

// Adapter returns the adapter for chainID, connecting on first use
func (s *ChainSet) Adapter(ctx context.Context, chainID string) (*EVMAdapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.adapters[chainID]; ok {
		return a, nil
	}

	urls, err := s.chains.RPCURL(chainID)
	if err != nil {
		return nil, err
	}

	pool, err := NewRPCPool(ctx, &RPCPoolConfig{
		Endpoints: SplitEndpoints(urls),
		Dial:      s.dial,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, apperrors.NewChainError(chainID, "connect", err)
	}

	a, err := NewEVMAdapter(&EVMAdapterConfig{
		ChainID:             chainID,
		Pool:                pool,
		Retry:               s.retryConfig,
		ReceiptPollInterval: s.receiptInterval,
		ReceiptTimeout:      s.receiptTimeout,
		Logger:              s.logger,
	})
	if err != nil {
		pool.Close()
		return nil, apperrors.NewConfigurationError("CHAIN_"+chainID+"_RPC_URL", err.Error())
	}

	s.adapters[chainID] = a
	return a, nil
}

// FactoryAddress returns the configured factory of chainID
func (s *ChainSet) FactoryAddress(chainID string) (string, error) {
	return s.chains.ContractAddress(chainID)
}

// CurrentBlock returns the head block of chainID
func (s *ChainSet) CurrentBlock(ctx context.Context, chainID string) (uint64, error) {
	a, err := s.Adapter(ctx, chainID)
	if err != nil {
		return 0, err
	}
	return a.GetCurrentBlock(ctx)
}

// TokenCreatedEvents returns the creation events of chainID's factory in [from, to]
func (s *ChainSet) TokenCreatedEvents(ctx context.Context, chainID string, from, to uint64) ([]*types.TokenCreatedEvent, error) {
	factory, err := s.chains.ContractAddress(chainID)
	if err != nil {
		return nil, err
	}
	a, err := s.Adapter(ctx, chainID)
	if err != nil {
		return nil, err
	}

	events, err := a.FetchTokenCreatedEvents(ctx, factory, from, to)
	if err != nil {
		return nil, configurationCause(chainID, err)
	}
	return events, nil
}

// DeployPeerToken creates a peer token on chainID through its factory
func (s *ChainSet) DeployPeerToken(ctx context.Context, chainID string, req PeerTokenRequest) (*PeerToken, error) {
	factory, err := s.chains.ContractAddress(chainID)
	if err != nil {
		return nil, err
	}
	key, err := s.chains.PrivateKey(chainID)
	if err != nil {
		return nil, err
	}
	a, err := s.Adapter(ctx, chainID)
	if err != nil {
		return nil, err
	}

	token, err := a.CreatePeerToken(ctx, factory, key, req)
	if err != nil {
		return nil, configurationCause(chainID, err)
	}
	return token, nil
}

// SetMinter grants minter mint rights on token, signed with chainID's key
func (s *ChainSet) SetMinter(ctx context.Context, chainID, token, minter string) (string, error) {
	key, err := s.chains.PrivateKey(chainID)
	if err != nil {
		return "", err
	}
	a, err := s.Adapter(ctx, chainID)
	if err != nil {
		return "", err
	}

	txHash, err := a.SetMinter(ctx, token, minter, key)
	if err != nil {
		return "", configurationCause(chainID, err)
	}
	return txHash, nil
}

// Close closes every adapter
func (s *ChainSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.adapters {
		a.Close()
		delete(s.adapters, id)
	}
}

// configurationCause turns malformed configured values into configuration errors
func configurationCause(chainID string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidPrivateKey):
		return apperrors.NewConfigurationError("CHAIN_"+chainID+"_PRIVATE_KEY", "not a valid hex key")
	case errors.Is(err, ErrInvalidAddress):
		return apperrors.NewConfigurationError("CHAIN_"+chainID+"_CONTRACT_ADDRESS", err.Error())
	default:
		return err
	}
}
