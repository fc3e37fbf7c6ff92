package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/types"
)

// CallRepository persists one row per task invocation
type CallRepository struct {
	db *PostgresDB
}

// NewCallRepository creates a new call repository
func NewCallRepository(db *PostgresDB) *CallRepository {
	return &CallRepository{db: db}
}

// parseCallID converts an API call id to its row key. Anything that is not a
// positive integer cannot name a stored call.
func parseCallID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, apperrors.NewNotFoundError("call", id)
	}
	return n, nil
}

// InsertCall stores a new call and returns the id assigned by the database.
// Ids increase with insertion order.
func (r *CallRepository) InsertCall(ctx context.Context, taskName string, params interface{}, status types.CallStatus) (string, error) {
	if !status.Valid() {
		return "", apperrors.NewValidationError("status", string(status))
	}

	encoded, err := encodeJSON(params)
	if err != nil {
		return "", apperrors.NewValidationError("params", err.Error())
	}

	query := `
		INSERT INTO calls (task_name, params, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id
	`

	var id int64
	if err := r.db.Pool().QueryRow(ctx, query, taskName, encoded, string(status)).Scan(&id); err != nil {
		return "", apperrors.NewStorageError("insert call", err)
	}

	return strconv.FormatInt(id, 10), nil
}

// UpdateCall moves a call to status and replaces its result. The update only
// applies when the current status is an allowed predecessor, so a poller never
// sees a terminal call move back to an earlier state.
func (r *CallRepository) UpdateCall(ctx context.Context, id string, status types.CallStatus, result interface{}) error {
	if !status.Valid() {
		return apperrors.NewValidationError("status", string(status))
	}

	key, err := parseCallID(id)
	if err != nil {
		return err
	}

	var encoded []byte
	if result != nil {
		var err error
		if encoded, err = encodeJSON(result); err != nil {
			return apperrors.NewValidationError("result", err.Error())
		}
	}

	allowed := make([]string, 0, 3)
	for _, s := range status.AllowedPredecessors() {
		allowed = append(allowed, string(s))
	}

	query := `
		UPDATE calls
		SET status = $2, result = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`

	tag, err := r.db.Pool().Exec(ctx, query, key, string(status), encoded, allowed)
	if err != nil {
		return apperrors.NewStorageError("update call", err)
	}

	if tag.RowsAffected() == 0 {
		exists, err := r.exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			return apperrors.NewNotFoundError("call", id)
		}
		return apperrors.NewInvalidTransitionError(id, string(status))
	}

	return nil
}

// GetCallByID returns the call with params and result decoded from storage
func (r *CallRepository) GetCallByID(ctx context.Context, id string) (*types.Call, error) {
	key, err := parseCallID(id)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, task_name, params, status, result, created_at, updated_at
		FROM calls
		WHERE id = $1
	`

	var call types.Call
	var rowID int64
	var params, result []byte
	var status string

	err = r.db.Pool().QueryRow(ctx, query, key).Scan(
		&rowID,
		&call.TaskName,
		&params,
		&status,
		&result,
		&call.CreatedAt,
		&call.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("call", id)
		}
		return nil, apperrors.NewStorageError("get call", err)
	}

	call.ID = strconv.FormatInt(rowID, 10)
	call.Status = types.CallStatus(status)
	call.Params = json.RawMessage(params)
	if result != nil {
		call.Result = json.RawMessage(result)
	}

	return &call, nil
}

// SaveCheckpoint merges key=value into the call's checkpoint document
func (r *CallRepository) SaveCheckpoint(ctx context.Context, id, key string, value interface{}) error {
	rowKey, err := parseCallID(id)
	if err != nil {
		return err
	}

	encoded, err := encodeJSON(value)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", key, err)
	}

	query := `
		UPDATE calls
		SET checkpoint = checkpoint || jsonb_build_object($2::text, $3::jsonb), updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, rowKey, key, encoded)
	if err != nil {
		return apperrors.NewStorageError("save checkpoint", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("call", id)
	}
	return nil
}

// LoadCheckpoint returns every checkpoint entry recorded for the call
func (r *CallRepository) LoadCheckpoint(ctx context.Context, id string) (map[string]json.RawMessage, error) {
	key, err := parseCallID(id)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = r.db.Pool().QueryRow(ctx, `SELECT checkpoint FROM calls WHERE id = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("call", id)
		}
		return nil, apperrors.NewStorageError("load checkpoint", err)
	}

	out := make(map[string]json.RawMessage)
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return out, nil
}

func (r *CallRepository) exists(ctx context.Context, id int64) (bool, error) {
	var found bool
	err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return false, apperrors.NewStorageError("check call", err)
	}
	return found, nil
}

// encodeJSON passes raw JSON through and marshals everything else
func encodeJSON(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return []byte("null"), nil
		}
		if !json.Valid(t) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return t, nil
	case []byte:
		if !json.Valid(t) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}
