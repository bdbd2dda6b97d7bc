package mocks

import (
	"context"
	"net/http"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/stretchr/testify/mock"
)

// MockEntityLookup is a mock implementation of services.EntityLookup interface.
type MockEntityLookup struct {
	mock.Mock
}

var _ services.EntityLookup = (*MockEntityLookup)(nil)

func (m *MockEntityLookup) Resolve(ctx context.Context, scope models.Scope) ([]models.Entity, error) {
	args := m.Called(ctx, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.Entity), args.Error(1)
}

func (m *MockEntityLookup) Get(ctx context.Context, entityType, id string) (models.Entity, error) {
	args := m.Called(ctx, entityType, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(models.Entity), args.Error(1)
}

// MockTaskService is a mock implementation of services.TaskService interface.
type MockTaskService struct {
	mock.Mock
}

var _ services.TaskService = (*MockTaskService)(nil)

func (m *MockTaskService) Create(ctx context.Context, task services.Task) (string, error) {
	args := m.Called(ctx, task)

	return args.String(0), args.Error(1)
}

// MockPricingService is a mock implementation of services.PricingService interface.
type MockPricingService struct {
	mock.Mock
}

var _ services.PricingService = (*MockPricingService)(nil)

func (m *MockPricingService) CurrentPrice(ctx context.Context, entityID string) (float64, error) {
	args := m.Called(ctx, entityID)

	return args.Get(0).(float64), args.Error(1)
}

func (m *MockPricingService) UpdatePrice(ctx context.Context, entityID string, price float64) error {
	args := m.Called(ctx, entityID, price)

	return args.Error(0)
}

func (m *MockPricingService) MinPriceForMargin(ctx context.Context, entityID string, marginPercent float64) (float64, error) {
	args := m.Called(ctx, entityID, marginPercent)

	return args.Get(0).(float64), args.Error(1)
}

// MockAlertService is a mock implementation of services.AlertService interface.
type MockAlertService struct {
	mock.Mock
}

var _ services.AlertService = (*MockAlertService)(nil)

func (m *MockAlertService) Send(ctx context.Context, alert services.Alert) error {
	args := m.Called(ctx, alert)

	return args.Error(0)
}

// MockTagService is a mock implementation of services.TagService interface.
type MockTagService struct {
	mock.Mock
}

var _ services.TagService = (*MockTagService)(nil)

func (m *MockTagService) AddTags(ctx context.Context, entityID string, tags []string) error {
	args := m.Called(ctx, entityID, tags)

	return args.Error(0)
}

func (m *MockTagService) RemoveTags(ctx context.Context, entityID string, tags []string) error {
	args := m.Called(ctx, entityID, tags)

	return args.Error(0)
}

// MockTemplateService is a mock implementation of services.TemplateService interface.
type MockTemplateService struct {
	mock.Mock
}

var _ services.TemplateService = (*MockTemplateService)(nil)

func (m *MockTemplateService) Apply(ctx context.Context, entityID, templateID string, overrides map[string]any) (map[string]any, error) {
	args := m.Called(ctx, entityID, templateID, overrides)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]any), args.Error(1)
}

// MockHTTPClient is a mock implementation of services.HTTPClient interface.
type MockHTTPClient struct {
	mock.Mock
}

var _ services.HTTPClient = (*MockHTTPClient)(nil)

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*http.Response), args.Error(1)
}

// MockFeatureService is a mock implementation of services.FeatureService interface.
type MockFeatureService struct {
	mock.Mock
}

var _ services.FeatureService = (*MockFeatureService)(nil)

func (m *MockFeatureService) Compute(ctx context.Context, entityID string) (map[string]float64, error) {
	args := m.Called(ctx, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]float64), args.Error(1)
}
