package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
)

// ExecutionRepository stores rule execution records as JSONB documents, with the columns
// needed for listing and daily limits pulled out.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) Save(ctx context.Context, record *models.ExecutionRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}

	query := `
		INSERT INTO rule_executions (id, rule_id, status, started_at, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			record = EXCLUDED.record
	`

	_, err = r.db.ExecContext(ctx, query, record.ID, record.RuleID, record.Status, record.StartedAt, recordJSON)
	if err != nil {
		return fmt.Errorf("failed to save execution record: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var recordJSON []byte

	err := r.db.QueryRowContext(ctx, `SELECT record FROM rule_executions WHERE id = $1`, id).Scan(&recordJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}

	return decodeExecution(recordJSON)
}

func (r *ExecutionRepository) List(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error) {
	query := `SELECT record FROM rule_executions WHERE ($1 = '' OR rule_id = $1) ORDER BY seq DESC`
	args := []any{ruleID}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	records := make([]*models.ExecutionRecord, 0)

	for rows.Next() {
		var recordJSON []byte
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}

		record, err := decodeExecution(recordJSON)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}

	return records, nil
}

func (r *ExecutionRepository) CountSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rule_executions WHERE rule_id = $1 AND started_at >= $2`,
		ruleID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count execution records: %w", err)
	}

	return count, nil
}

func decodeExecution(recordJSON []byte) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord

	if err := json.Unmarshal(recordJSON, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution record: %w", err)
	}

	return &record, nil
}
