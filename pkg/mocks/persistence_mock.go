package mocks

import (
	"context"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockExecutionStore is a mock implementation of persistence.ExecutionStore interface.
type MockExecutionStore struct {
	mock.Mock
}

var _ persistence.ExecutionStore = (*MockExecutionStore)(nil)

func (m *MockExecutionStore) SaveExecution(ctx context.Context, record *models.ExecutionRecord) error {
	args := m.Called(ctx, record)

	return args.Error(0)
}

func (m *MockExecutionStore) ExecutionByID(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ExecutionRecord), args.Error(1)
}

func (m *MockExecutionStore) Executions(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error) {
	args := m.Called(ctx, ruleID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ExecutionRecord), args.Error(1)
}

func (m *MockExecutionStore) CountExecutionsSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	args := m.Called(ctx, ruleID, since)

	return args.Int(0), args.Error(1)
}

// MockRuleStore is a mock implementation of persistence.RuleStore interface.
type MockRuleStore struct {
	mock.Mock
}

var _ persistence.RuleStore = (*MockRuleStore)(nil)

func (m *MockRuleStore) Rules(ctx context.Context) ([]*models.Rule, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Rule), args.Error(1)
}

func (m *MockRuleStore) RuleByID(ctx context.Context, id string) (*models.Rule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Rule), args.Error(1)
}

func (m *MockRuleStore) SaveRule(ctx context.Context, rule *models.Rule) error {
	args := m.Called(ctx, rule)

	return args.Error(0)
}

func (m *MockRuleStore) DeleteRule(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockRuleStore) RecordTrigger(ctx context.Context, ruleID string, at time.Time) error {
	args := m.Called(ctx, ruleID, at)

	return args.Error(0)
}
