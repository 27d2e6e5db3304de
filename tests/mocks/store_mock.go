package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/fablab-io/machine-agent/internal/models"
)

// MockDeviceStore is a mock implementation of the registry.DeviceStore interface
type MockDeviceStore struct {
	mock.Mock
}

func (m *MockDeviceStore) Save(device models.Device) error {
	args := m.Called(device)
	return args.Error(0)
}

func (m *MockDeviceStore) Delete(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockDeviceStore) LoadAll() ([]models.Device, error) {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]models.Device), args.Error(1)
	}
	return nil, args.Error(1)
}
