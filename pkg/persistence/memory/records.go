package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
)

// Execution records

func (p *Persistence) SaveExecution(_ context.Context, record *models.ExecutionRecord) error {
	clone, err := deepCopy(record)
	if err != nil {
		return fmt.Errorf("failed to copy execution record: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.executions[record.ID]; !exists {
		p.execOrder = append(p.execOrder, record.ID)
	}

	p.executions[record.ID] = clone

	return nil
}

func (p *Persistence) ExecutionByID(_ context.Context, id string) (*models.ExecutionRecord, error) {
	p.mu.Lock()
	record, ok := p.executions[id]
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, persistence.ErrExecutionNotFound)
	}

	return deepCopy(record)
}

func (p *Persistence) Executions(_ context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var records []*models.ExecutionRecord

	for i := len(p.execOrder) - 1; i >= 0; i-- {
		record := p.executions[p.execOrder[i]]
		if ruleID != "" && record.RuleID != ruleID {
			continue
		}

		clone, err := deepCopy(record)
		if err != nil {
			return nil, err
		}

		records = append(records, clone)

		if limit > 0 && len(records) == limit {
			break
		}
	}

	return records, nil
}

func (p *Persistence) CountExecutionsSince(_ context.Context, ruleID string, since time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0

	for _, record := range p.executions {
		if record.RuleID == ruleID && !record.StartedAt.Before(since) {
			count++
		}
	}

	return count, nil
}

// Rules

func (p *Persistence) Rules(_ context.Context) ([]*models.Rule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rules := make([]*models.Rule, 0, len(p.rules))

	for _, rule := range p.rules {
		clone, err := deepCopy(rule)
		if err != nil {
			return nil, err
		}

		rules = append(rules, clone)
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}

		return rules[i].ID < rules[j].ID
	})

	return rules, nil
}

func (p *Persistence) RuleByID(_ context.Context, id string) (*models.Rule, error) {
	p.mu.Lock()
	rule, ok := p.rules[id]
	p.mu.Unlock()

	if !ok {
		return nil, persistence.NewRuleError("RuleByID", id, persistence.ErrRuleNotFound)
	}

	return deepCopy(rule)
}

func (p *Persistence) SaveRule(_ context.Context, rule *models.Rule) error {
	now := time.Now().UTC()

	clone, err := deepCopy(rule)
	if err != nil {
		return fmt.Errorf("failed to copy rule: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.rules[rule.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
		clone.TriggerCount = existing.TriggerCount
		clone.LastTriggeredAt = existing.LastTriggeredAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}

	clone.UpdatedAt = now
	p.rules[rule.ID] = clone

	return nil
}

func (p *Persistence) DeleteRule(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rules[id]; !ok {
		return persistence.NewRuleError("DeleteRule", id, persistence.ErrRuleNotFound)
	}

	delete(p.rules, id)

	return nil
}

func (p *Persistence) RecordTrigger(_ context.Context, ruleID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rule, ok := p.rules[ruleID]
	if !ok {
		return persistence.NewRuleError("RecordTrigger", ruleID, persistence.ErrRuleNotFound)
	}

	triggeredAt := at
	rule.TriggerCount++
	rule.LastTriggeredAt = &triggeredAt

	return nil
}

// deepCopy round-trips through JSON; records and rules hold free-form maps.
func deepCopy[T any](value *T) (*T, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return &out, nil
}
