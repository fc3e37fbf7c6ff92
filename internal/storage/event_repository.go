package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/types"
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key
const uniqueViolation = "23505"

// EventRepository holds the dedup ledger, the per-network scan cursor and the
// detected event records
type EventRepository struct {
	db *PostgresDB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *PostgresDB) *EventRepository {
	return &EventRepository{db: db}
}

// IsEventProcessed reports whether hash is already in the dedup ledger
func (r *EventRepository) IsEventProcessed(ctx context.Context, hash string) (bool, error) {
	var found bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_hash = $1)`, hash,
	).Scan(&found)
	if err != nil {
		return false, apperrors.NewStorageError("check processed event", err)
	}
	return found, nil
}

// MarkEventAsProcessed records hash. A second mark of the same hash is a conflict.
func (r *EventRepository) MarkEventAsProcessed(ctx context.Context, hash string) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO processed_events (event_hash, processed_at) VALUES ($1, NOW())`, hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.NewConflictError(fmt.Sprintf("event %s already processed", hash))
		}
		return apperrors.NewStorageError("mark processed event", err)
	}
	return nil
}

// TryMarkEventProcessed records hash and reports whether this call inserted it.
// Concurrent scanners racing on the same hash see exactly one true.
func (r *EventRepository) TryMarkEventProcessed(ctx context.Context, hash string) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO processed_events (event_hash, processed_at)
		VALUES ($1, NOW())
		ON CONFLICT (event_hash) DO NOTHING
	`, hash)
	if err != nil {
		return false, apperrors.NewStorageError("mark processed event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetLastBlock returns the stored cursor for network, or nil when none exists
func (r *EventRepository) GetLastBlock(ctx context.Context, network string) (*uint64, error) {
	var block int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT last_block FROM last_block WHERE network = $1`, network,
	).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewStorageError("get last block", err)
	}

	v := uint64(block) // #nosec G115 - column is constrained to non-negative values
	return &v, nil
}

// UpdateLastBlock upserts the cursor for network
func (r *EventRepository) UpdateLastBlock(ctx context.Context, network string, block uint64) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO last_block (network, last_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (network) DO UPDATE SET
			last_block = EXCLUDED.last_block,
			updated_at = NOW()
	`, network, int64(block)) // #nosec G115 - block heights fit in int64
	if err != nil {
		return apperrors.NewStorageError("update last block", err)
	}
	return nil
}

// RecordEvent claims hash in the dedup ledger and stores the event record in
// one transaction. It reports false, writing nothing, when the hash was
// already claimed. A recorded event is pending and leased to the caller, so a
// concurrent redispatch leaves it alone until the lease runs out.
func (r *EventRepository) RecordEvent(ctx context.Context, ev *types.TokenCreatedEvent) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, apperrors.NewStorageError("begin record event", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_hash, processed_at)
		VALUES ($1, NOW())
		ON CONFLICT (event_hash) DO NOTHING
	`, ev.EventHash)
	if err != nil {
		return false, apperrors.NewStorageError("mark processed event", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	chainIDs := []string(ev.ChainIDs)
	if chainIDs == nil {
		chainIDs = []string{}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (
			event_hash, network, contract_address, token_address, name, symbol,
			minter, chain_ids, block_number, needs_processing, claimed_at,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, NOW(), NOW(), NOW())
		ON CONFLICT (event_hash) DO UPDATE SET
			network = EXCLUDED.network,
			contract_address = EXCLUDED.contract_address,
			token_address = EXCLUDED.token_address,
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			minter = EXCLUDED.minter,
			chain_ids = EXCLUDED.chain_ids,
			block_number = EXCLUDED.block_number,
			needs_processing = TRUE,
			claimed_at = NOW(),
			updated_at = NOW()
	`,
		ev.EventHash,
		ev.Network,
		ev.ContractAddress,
		ev.TokenAddress,
		ev.Name,
		ev.Symbol,
		ev.Minter,
		chainIDs,
		int64(ev.BlockNumber), // #nosec G115 - block heights fit in int64
	)
	if err != nil {
		return false, apperrors.NewStorageError("insert event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, apperrors.NewStorageError("commit record event", err)
	}
	return true, nil
}

// ClaimPendingEvent leases a pending event to the caller. It reports false
// when the event is not pending or another caller holds an unexpired lease.
func (r *EventRepository) ClaimPendingEvent(ctx context.Context, hash string, lease time.Duration) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE events SET claimed_at = NOW(), updated_at = NOW()
		WHERE event_hash = $1
		  AND needs_processing
		  AND (claimed_at IS NULL OR claimed_at < NOW() - $2::double precision * INTERVAL '1 millisecond')
	`, hash, lease.Milliseconds())
	if err != nil {
		return false, apperrors.NewStorageError("claim pending event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseEvent drops the lease on a pending event whose submission failed
func (r *EventRepository) ReleaseEvent(ctx context.Context, hash string) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE events SET claimed_at = NULL, updated_at = NOW() WHERE event_hash = $1`, hash)
	if err != nil {
		return apperrors.NewStorageError("release event", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("event", hash)
	}
	return nil
}

// MarkEventDispatched clears needs_processing once a process-events call exists
func (r *EventRepository) MarkEventDispatched(ctx context.Context, hash string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE events SET needs_processing = FALSE, claimed_at = NULL, updated_at = NOW()
		WHERE event_hash = $1
	`, hash)
	if err != nil {
		return apperrors.NewStorageError("mark event dispatched", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("event", hash)
	}
	return nil
}

// PendingEvents returns events still flagged for processing whose lease is
// free or older than lease, oldest first
func (r *EventRepository) PendingEvents(ctx context.Context, lease time.Duration, limit int) ([]*types.TokenCreatedEvent, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT event_hash, network, contract_address, token_address, name, symbol,
			   minter, chain_ids, block_number
		FROM events
		WHERE needs_processing
		  AND (claimed_at IS NULL OR claimed_at < NOW() - $1::double precision * INTERVAL '1 millisecond')
		ORDER BY created_at
		LIMIT $2
	`, lease.Milliseconds(), limit)
	if err != nil {
		return nil, apperrors.NewStorageError("list pending events", err)
	}
	defer rows.Close()

	var out []*types.TokenCreatedEvent
	for rows.Next() {
		var ev types.TokenCreatedEvent
		var chainIDs []string
		var block int64
		if err := rows.Scan(
			&ev.EventHash,
			&ev.Network,
			&ev.ContractAddress,
			&ev.TokenAddress,
			&ev.Name,
			&ev.Symbol,
			&ev.Minter,
			&chainIDs,
			&block,
		); err != nil {
			return nil, apperrors.NewStorageError("scan pending event", err)
		}
		ev.ChainIDs = types.ChainIDList(chainIDs)
		ev.BlockNumber = uint64(block) // #nosec G115 - stored from uint64
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("iterate pending events", err)
	}
	return out, nil
}
