package adapters

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
	"github.com/fablab-io/machine-agent/tests/mocks"
)

func mqttFixture(t *testing.T) (*MQTTCloudAdapter, *mocks.MockMQTTClient, *MQTT.MessageHandler) {
	t.Helper()

	device := models.Device{
		ID:   "m-1",
		Name: "cloud printer",
		Kind: models.AdapterMQTTCloud,
		Conn: models.ConnectionParams{Address: "broker.example", Port: 1883, TopicPrefix: "fab/printer7"},
	}
	a := NewMQTTCloudAdapter(device, zerolog.Nop())

	client := new(mocks.MockMQTTClient)
	a.newClient = func(*MQTT.ClientOptions) MQTT.Client { return client }

	okToken := new(mocks.MockToken)
	okToken.On("WaitTimeout", mock.Anything).Return(true)
	okToken.On("Error").Return(nil)

	var handler MQTT.MessageHandler
	client.On("Connect").Return(okToken)
	client.On("Subscribe", "fab/printer7/status", byte(mqttQOS), mock.Anything).
		Run(func(args mock.Arguments) {
			handler = args.Get(2).(MQTT.MessageHandler)
		}).
		Return(okToken)

	return a, client, &handler
}

func cloudMessage(t *testing.T, doc map[string]any) *mocks.MockMQTTMessage {
	t.Helper()
	payload, err := json.Marshal(doc)
	require.NoError(t, err)
	msg := new(mocks.MockMQTTMessage)
	msg.On("Payload").Return(payload)
	return msg
}

// TestMQTTCloud_PollDrainsLatest tests that polls drain the most recent
// buffered status message.
func TestMQTTCloud_PollDrainsLatest(t *testing.T) {
	a, client, handler := mqttFixture(t)
	require.NoError(t, a.Connect(context.Background()))
	require.NotNil(t, *handler)

	// No message yet: the poll fails and the session degrades.
	_, err := a.PollStatus(context.Background())
	assert.True(t, errs.Is(err, errs.KindPoll))

	(*handler)(client, cloudMessage(t, map[string]any{"state": "running", "progress": 64.0}))
	(*handler)(client, cloudMessage(t, map[string]any{
		"state":    "paused",
		"progress": 65.5,
		"temps":    map[string]any{"nozzle": map[string]float64{"actual": 210, "target": 210}},
	}))

	raw, err := a.PollStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "paused", raw.StateToken)
	require.NotNil(t, raw.ProgressPercent)
	assert.InDelta(t, 65.5, *raw.ProgressPercent, 1e-9)
	assert.Equal(t, models.TempReading{Actual: 210, Target: 210}, raw.Temperatures["nozzle"])
}

// TestMQTTCloud_StaleStatusFailsPoll tests that a device whose publishes
// stopped eventually degrades instead of serving the buffered message
// forever.
func TestMQTTCloud_StaleStatusFailsPoll(t *testing.T) {
	a, client, handler := mqttFixture(t)
	require.NoError(t, a.Connect(context.Background()))

	(*handler)(client, cloudMessage(t, map[string]any{"state": "running", "progress": 10.0}))

	_, err := a.PollStatus(context.Background())
	require.NoError(t, err)

	a.mu.Lock()
	a.latestAt = time.Now().Add(-2 * mqttStatusStaleness)
	a.mu.Unlock()

	_, err = a.PollStatus(context.Background())
	assert.True(t, errs.Is(err, errs.KindPoll))
	assert.Contains(t, err.Error(), "old")
}

// TestMQTTCloud_MalformedPayload tests that a garbage status message is a
// poll error, not a crash or a fake status.
func TestMQTTCloud_MalformedPayload(t *testing.T) {
	a, client, handler := mqttFixture(t)
	require.NoError(t, a.Connect(context.Background()))

	msg := new(mocks.MockMQTTMessage)
	msg.On("Payload").Return([]byte("{not json"))
	(*handler)(client, msg)

	_, err := a.PollStatus(context.Background())
	assert.True(t, errs.Is(err, errs.KindPoll))
}

// TestMQTTCloud_SendCommand tests the fire-and-forget publish.
func TestMQTTCloud_SendCommand(t *testing.T) {
	a, client, _ := mqttFixture(t)
	require.NoError(t, a.Connect(context.Background()))

	okToken := new(mocks.MockToken)
	okToken.On("WaitTimeout", mock.Anything).Return(true)
	okToken.On("Error").Return(nil)

	var published []byte
	client.On("Publish", "fab/printer7/cmd", byte(mqttQOS), false, mock.Anything).
		Run(func(args mock.Arguments) {
			published = args.Get(3).([]byte)
		}).
		Return(okToken)

	result, err := a.SendCommand(context.Background(), models.CommandRequest{
		Name:   models.CommandPause,
		Params: nil,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Degraded)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(published, &doc))
	assert.Equal(t, "pause", doc["command"])
}

// TestMQTTCloud_SlowBrokerIsDegraded tests that a broker ack that does not
// arrive in time reports "sent, outcome unknown" rather than claiming either
// outcome.
func TestMQTTCloud_SlowBrokerIsDegraded(t *testing.T) {
	a, client, _ := mqttFixture(t)
	require.NoError(t, a.Connect(context.Background()))

	slowToken := new(mocks.MockToken)
	slowToken.On("WaitTimeout", mock.Anything).Return(false)
	client.On("Publish", "fab/printer7/cmd", byte(mqttQOS), false, mock.Anything).Return(slowToken)

	result, err := a.SendCommand(context.Background(), models.CommandRequest{Name: models.CommandCancel})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Degraded)
	assert.Equal(t, "sent, outcome unknown", result.Raw)
}

// TestMQTTCloud_Disconnect tests transport release.
func TestMQTTCloud_Disconnect(t *testing.T) {
	a, client, _ := mqttFixture(t)
	require.NoError(t, a.Connect(context.Background()))

	okToken := new(mocks.MockToken)
	okToken.On("WaitTimeout", mock.Anything).Return(true)
	okToken.On("Error").Return(nil)
	client.On("Unsubscribe", []string{"fab/printer7/status"}).Return(okToken)
	client.On("Disconnect", uint(250)).Return()

	require.NoError(t, a.Disconnect())
	// Safe to call twice
	require.NoError(t, a.Disconnect())
	client.AssertExpectations(t)
}

// TestMQTTCloud_CommandBeforeConnect tests that commands need a broker
// connection.
func TestMQTTCloud_CommandBeforeConnect(t *testing.T) {
	a, _, _ := mqttFixture(t)
	_, err := a.SendCommand(context.Background(), models.CommandRequest{Name: models.CommandPause})
	assert.True(t, errs.Is(err, errs.KindCommand))
}
