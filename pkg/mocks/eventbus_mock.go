package mocks

import (
	"context"

	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

var _ eventbus.EventBus = (*MockEventBus)(nil)

func (m *MockEventBus) Publish(ctx context.Context, topic string, event eventbus.Event) error {
	args := m.Called(ctx, topic, event)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context, topic string, handler eventbus.EventHandler) (*eventbus.Subscription, error) {
	args := m.Called(ctx, topic, handler)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*eventbus.Subscription), args.Error(1)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}
