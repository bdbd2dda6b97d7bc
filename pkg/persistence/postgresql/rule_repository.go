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

// RuleRepository stores rule definitions as JSONB. Firing bookkeeping lives in its own
// columns so RecordTrigger never rewrites the definition.
type RuleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRuleRepository(db *sql.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

const ruleColumns = `
	definition
  , trigger_count
  , last_triggered_at
  , created_at
  , updated_at
`

func (r *RuleRepository) GetAll(ctx context.Context) ([]*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules ORDER BY priority DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	rules := make([]*models.Rule, 0)

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRuleError("RuleByID", id, persistence.ErrRuleNotFound)
		}

		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// Save upserts the definition. An update keeps created_at and the firing bookkeeping.
func (r *RuleRepository) Save(ctx context.Context, rule *models.Rule) error {
	now := time.Now().UTC()

	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	query := `
		INSERT INTO rules (id, priority, active, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, rule.ID, rule.Priority, rule.Active, definition, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	return nil
}

func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	return requireRule(result, "DeleteRule", id)
}

func (r *RuleRepository) RecordTrigger(ctx context.Context, ruleID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rules SET trigger_count = trigger_count + 1, last_triggered_at = $2 WHERE id = $1`,
		ruleID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record rule trigger: %w", err)
	}

	return requireRule(result, "RecordTrigger", ruleID)
}

func requireRule(result sql.Result, op, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewRuleError(op, id, persistence.ErrRuleNotFound)
	}

	return nil
}

func scanRule(scanner interface {
	Scan(dest ...any) error
}) (*models.Rule, error) {
	var (
		rule            models.Rule
		definition      []byte
		triggerCount    int64
		lastTriggeredAt sql.NullTime
		createdAt       time.Time
		updatedAt       time.Time
	)

	err := scanner.Scan(&definition, &triggerCount, &lastTriggeredAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(definition, &rule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule definition: %w", err)
	}

	rule.TriggerCount = triggerCount
	rule.LastTriggeredAt = nullTime(lastTriggeredAt)
	rule.CreatedAt = createdAt.UTC()
	rule.UpdatedAt = updatedAt.UTC()

	return &rule, nil
}
