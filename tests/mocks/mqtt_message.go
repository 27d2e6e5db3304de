package mocks

import (
	"github.com/stretchr/testify/mock"
)

// MockMQTTMessage is a mock implementation of the mqtt.Message interface
type MockMQTTMessage struct {
	mock.Mock
}

func (m *MockMQTTMessage) Duplicate() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTMessage) Qos() byte {
	args := m.Called()
	return args.Get(0).(byte)
}

func (m *MockMQTTMessage) Retained() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTMessage) Topic() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockMQTTMessage) MessageID() uint16 {
	args := m.Called()
	return args.Get(0).(uint16)
}

func (m *MockMQTTMessage) Payload() []byte {
	args := m.Called()
	return args.Get(0).([]byte)
}

func (m *MockMQTTMessage) Ack() {
	m.Called()
}
