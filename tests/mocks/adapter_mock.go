package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fablab-io/machine-agent/internal/models"
)

// MockAdapter is a mock implementation of the adapters.Adapter interface
type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockAdapter) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockAdapter) PollStatus(ctx context.Context) (models.RawStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.RawStatus), args.Error(1)
}

func (m *MockAdapter) SendCommand(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.CommandResult), args.Error(1)
}
