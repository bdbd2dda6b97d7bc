package cmd

import (
	"context"
	"time"

	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/dukex/sellerops/pkg/persistence/file"
	"github.com/dukex/sellerops/pkg/rules"
)

// NewRuleStore returns the file store over rulesPath, or the database store when no path
// is given.
func NewRuleStore(rulesPath string, store persistence.Persistence) persistence.RuleStore {
	if rulesPath != "" {
		return file.NewRuleStore(rulesPath)
	}

	return store
}

type executorStore struct {
	persistence.ExecutionStore

	rules persistence.RuleStore
}

func (s executorStore) RecordTrigger(ctx context.Context, ruleID string, at time.Time) error {
	return s.rules.RecordTrigger(ctx, ruleID, at)
}

// NewExecutorStore keeps execution records in executions and firing bookkeeping in the
// store the rules were loaded from.
func NewExecutorStore(executions persistence.ExecutionStore, ruleStore persistence.RuleStore) rules.Store {
	return executorStore{ExecutionStore: executions, rules: ruleStore}
}
