// Package scanner implements the check-events task: it follows each
// configured network's factory contract and submits one process-events task
// per newly seen creation event.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/ntt-orchestrator/internal/config"
	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/metrics"
	"github.com/ntt-orchestrator/internal/task"
	"github.com/ntt-orchestrator/internal/types"
)

// EventStore is the dedup, cursor and event ledger used by the scanner
type EventStore interface {
	GetLastBlock(ctx context.Context, network string) (*uint64, error)
	UpdateLastBlock(ctx context.Context, network string, block uint64) error
	RecordEvent(ctx context.Context, ev *types.TokenCreatedEvent) (bool, error)
	ClaimPendingEvent(ctx context.Context, hash string, lease time.Duration) (bool, error)
	ReleaseEvent(ctx context.Context, hash string) error
	MarkEventDispatched(ctx context.Context, hash string) error
	PendingEvents(ctx context.Context, lease time.Duration, limit int) ([]*types.TokenCreatedEvent, error)
}

// ChainSource reads heads and creation events per network
type ChainSource interface {
	CurrentBlock(ctx context.Context, chainID string) (uint64, error)
	TokenCreatedEvents(ctx context.Context, chainID string, from, to uint64) ([]*types.TokenCreatedEvent, error)
}

// Params are the params of the check-events task. Networks overrides the
// configured list when set.
type Params struct {
	Networks []string `json:"networks,omitempty"`
}

// NetworkResult summarises one network of a scan
type NetworkResult struct {
	Network    string   `json:"network"`
	FromBlock  uint64   `json:"fromBlock,omitempty"`
	ToBlock    uint64   `json:"toBlock,omitempty"`
	Detected   int      `json:"detected"`
	Duplicates int      `json:"duplicates"`
	CallIDs    []string `json:"callIds,omitempty"`
	Skipped    string   `json:"skipped,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Summary is the result of one check-events run
type Summary struct {
	Redispatched []string         `json:"redispatched,omitempty"`
	Networks     []*NetworkResult `json:"networks"`
}

const pendingBatch = 100

// dispatchLease is how long a pending event stays reserved for the run that
// claimed it. A run that dies mid-submit frees the event once it expires.
const dispatchLease = 5 * time.Minute

// Scanner runs check-events
type Scanner struct {
	store    EventStore
	source   ChainSource
	starter  task.Starter
	networks []string
	mode     string
	maxRange uint64
	logger   *logging.Logger
}

// Config holds configuration for a Scanner
type Config struct {
	Store   EventStore
	Source  ChainSource
	Starter task.Starter
	Scanner config.ScannerConfig
	Logger  *logging.Logger
}

// New creates a scanner
func New(cfg *Config) (*Scanner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("chain source cannot be nil")
	}
	if cfg.Starter == nil {
		return nil, fmt.Errorf("task starter cannot be nil")
	}

	mode := cfg.Scanner.CursorMode
	switch mode {
	case "":
		mode = config.CursorAdvanceFirst
	case config.CursorAdvanceFirst, config.CursorAfterScan:
	default:
		return nil, apperrors.NewConfigurationError("SCANNER_CURSOR_MODE", "unknown mode "+mode)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Scanner{
		store:    cfg.Store,
		source:   cfg.Source,
		starter:  cfg.Starter,
		networks: cfg.Scanner.Networks,
		mode:     mode,
		maxRange: cfg.Scanner.MaxBlockRange,
		logger:   logger.WithField("component", "scanner"),
	}, nil
}

// Register adds check-events to registry
func (s *Scanner) Register(registry *task.Registry) {
	registry.Register(task.CheckEvents, task.Typed(func(ctx context.Context, p Params) (interface{}, error) {
		return s.CheckEvents(ctx, p)
	}))
}

// CheckEvents scans every network once. Failures are recorded per network;
// the run itself fails only when no network could be scanned.
func (s *Scanner) CheckEvents(ctx context.Context, p Params) (*Summary, error) {
	networks := s.networks
	if len(p.Networks) > 0 {
		networks = p.Networks
	}

	summary := &Summary{Networks: make([]*NetworkResult, 0, len(networks))}

	redispatched, err := s.redispatchPending(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to redispatch pending events")
	}
	summary.Redispatched = redispatched

	var failed int
	var lastErr error
	for _, network := range networks {
		res, err := s.scanNetwork(ctx, network)
		summary.Networks = append(summary.Networks, res)
		if err == nil {
			continue
		}

		metrics.ScanErrors.WithLabelValues(network).Inc()
		res.Error = err.Error()
		logger := s.logger.WithField("network", network).WithError(err)
		if isConfiguration(err) {
			res.Skipped = "missing configuration"
			logger.Warn("Skipping network with missing configuration")
			continue
		}
		logger.Error("Failed to scan network")
		failed++
		lastErr = err
	}

	if failed > 0 && failed == len(networks) {
		return summary, fmt.Errorf("all %d networks failed, last: %w", failed, lastErr)
	}
	return summary, nil
}

// isConfiguration matches networks without an RPC URL or factory address
func isConfiguration(err error) bool {
	cat := apperrors.Categorize(err)
	return cat != nil && cat.Category == apperrors.CategoryConfiguration
}

func (s *Scanner) scanNetwork(ctx context.Context, network string) (*NetworkResult, error) {
	res := &NetworkResult{Network: network}
	logger := s.logger.WithField("network", network)

	cursor, err := s.store.GetLastBlock(ctx, network)
	if err != nil {
		return res, err
	}
	head, err := s.source.CurrentBlock(ctx, network)
	if err != nil {
		return res, err
	}

	// A network without a cursor starts following from its current head
	if cursor == nil {
		if err := s.advance(ctx, network, head); err != nil {
			return res, err
		}
		logger.WithField("block", head).Info("Initialized cursor at current block")
		return res, nil
	}
	if *cursor >= head {
		return res, nil
	}

	res.FromBlock = *cursor + 1
	res.ToBlock = head

	if s.mode == config.CursorAdvanceFirst {
		if err := s.advance(ctx, network, head); err != nil {
			return res, err
		}
	}

	for from := res.FromBlock; from <= head; {
		to := head
		if s.maxRange > 0 && to-from+1 > s.maxRange {
			to = from + s.maxRange - 1
		}

		events, err := s.source.TokenCreatedEvents(ctx, network, from, to)
		if err != nil {
			return res, err
		}
		for _, ev := range events {
			if err := s.dispatch(ctx, ev, res); err != nil {
				return res, err
			}
		}

		if s.mode == config.CursorAfterScan {
			if err := s.advance(ctx, network, to); err != nil {
				return res, err
			}
		}
		from = to + 1
	}

	logger.WithFields(map[string]interface{}{
		"fromBlock":  res.FromBlock,
		"toBlock":    res.ToBlock,
		"detected":   res.Detected,
		"duplicates": res.Duplicates,
	}).Info("Network scanned")
	return res, nil
}

func (s *Scanner) advance(ctx context.Context, network string, block uint64) error {
	if err := s.store.UpdateLastBlock(ctx, network, block); err != nil {
		return err
	}
	metrics.ScannerCursor.WithLabelValues(network).Set(float64(block))
	return nil
}

// dispatch records the event, claiming its hash, and submits process-events
// for it. An event whose submission fails stays pending in the event ledger
// and is picked up by the next run's redispatch.
func (s *Scanner) dispatch(ctx context.Context, ev *types.TokenCreatedEvent, res *NetworkResult) error {
	recorded, err := s.store.RecordEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !recorded {
		res.Duplicates++
		metrics.EventsDuplicate.WithLabelValues(ev.Network).Inc()
		return nil
	}

	res.Detected++
	metrics.EventsDetected.WithLabelValues(ev.Network).Inc()

	callID, err := s.submit(ctx, ev)
	if err != nil {
		s.logger.WithError(err).WithField("eventHash", ev.EventHash).Warn("Failed to submit process-events, left pending")
		return nil
	}
	res.CallIDs = append(res.CallIDs, callID)
	return nil
}

func (s *Scanner) submit(ctx context.Context, ev *types.TokenCreatedEvent) (string, error) {
	callID, err := s.starter.StartTask(ctx, string(task.ProcessEvents), ev)
	if err != nil {
		if relErr := s.store.ReleaseEvent(ctx, ev.EventHash); relErr != nil {
			s.logger.WithError(relErr).WithField("eventHash", ev.EventHash).Warn("Failed to release event lease")
		}
		return "", err
	}
	if err := s.store.MarkEventDispatched(ctx, ev.EventHash); err != nil {
		s.logger.WithError(err).WithField("eventHash", ev.EventHash).Warn("Failed to clear pending flag")
	}
	s.logger.WithFields(map[string]interface{}{
		"eventHash":    ev.EventHash,
		"tokenAddress": ev.TokenAddress,
		"callId":       callID,
	}).Info("Dispatched process-events")
	return callID, nil
}

func (s *Scanner) redispatchPending(ctx context.Context) ([]string, error) {
	pending, err := s.store.PendingEvents(ctx, dispatchLease, pendingBatch)
	if err != nil {
		return nil, err
	}

	var callIDs []string
	for _, ev := range pending {
		// Another run may have claimed it since the listing
		claimed, err := s.store.ClaimPendingEvent(ctx, ev.EventHash, dispatchLease)
		if err != nil {
			return callIDs, err
		}
		if !claimed {
			continue
		}
		callID, err := s.submit(ctx, ev)
		if err != nil {
			return callIDs, err
		}
		callIDs = append(callIDs, callID)
	}
	return callIDs, nil
}
