package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fablab-io/machine-agent/internal/errs"
	"github.com/fablab-io/machine-agent/internal/models"
)

const mqttQOS = 1

// mqttStatusStaleness bounds how old a buffered status message may be before
// polls fail. Cloud printers republish well inside this window; silence
// beyond it means the device's uplink is gone even when the broker session
// survives, and the session must degrade rather than serve the old snapshot.
const mqttStatusStaleness = 60 * time.Second

// cloudStatus is the JSON document cloud printers publish (retained) on
// <prefix>/status.
type cloudStatus struct {
	State     string                        `json:"state"`
	Progress  *float64                      `json:"progress"` // percent
	Elapsed   *int64                        `json:"elapsed"`
	Remaining *int64                        `json:"remaining"`
	Temps     map[string]models.TempReading `json:"temps"`
	Error     string                        `json:"error"`
}

// MQTTCloudAdapter drives printers reachable only through a vendor MQTT
// broker. Telemetry is push-style: the subscription buffers the most recent
// status message and PollStatus drains it. Commands are fire-and-forget
// publishes; the broker ack confirms delivery to the broker, not execution.
type MQTTCloudAdapter struct {
	device models.Device
	logger zerolog.Logger

	// newClient is swapped out by tests.
	newClient func(*MQTT.ClientOptions) MQTT.Client

	mu       sync.Mutex
	client   MQTT.Client
	latest   []byte
	latestAt time.Time
}

// NewMQTTCloudAdapter builds an unconnected MQTT adapter.
func NewMQTTCloudAdapter(device models.Device, logger zerolog.Logger) *MQTTCloudAdapter {
	return &MQTTCloudAdapter{
		device:    device,
		logger:    logger,
		newClient: MQTT.NewClient,
	}
}

func (a *MQTTCloudAdapter) statusTopic() string {
	return a.device.Conn.TopicPrefix + "/status"
}

func (a *MQTTCloudAdapter) commandTopic() string {
	return a.device.Conn.TopicPrefix + "/cmd"
}

// Connect dials the broker and subscribes to the status topic.
func (a *MQTTCloudAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", a.device.Conn.Address, a.device.Conn.Port))
	opts.SetClientID("machine-agent-" + uuid.New().String())
	opts.SetAutoReconnect(true)
	if a.device.Conn.APIKey != "" {
		opts.SetUsername(a.device.ID)
		opts.SetPassword(a.device.Conn.APIKey)
	}

	client := a.newClient(opts)
	if token := client.Connect(); !token.WaitTimeout(waitBudget(ctx)) || token.Error() != nil {
		client.Disconnect(0)
		return errs.Ef(errs.KindConnect, "mqtt.connect", "broker connect: %v", tokenErr(token)).WithDevice(a.device.ID)
	}

	handler := func(_ MQTT.Client, msg MQTT.Message) {
		a.mu.Lock()
		a.latest = msg.Payload()
		a.latestAt = time.Now()
		a.mu.Unlock()
	}
	if token := client.Subscribe(a.statusTopic(), mqttQOS, handler); !token.WaitTimeout(waitBudget(ctx)) || token.Error() != nil {
		client.Disconnect(0)
		return errs.Ef(errs.KindConnect, "mqtt.connect", "subscribe %s: %v", a.statusTopic(), tokenErr(token)).WithDevice(a.device.ID)
	}

	a.client = client
	a.logger.Info().Str("topic", a.statusTopic()).Msg("Subscribed to cloud status topic")
	return nil
}

// Disconnect releases the broker connection. Safe to call when never
// connected.
func (a *MQTTCloudAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return nil
	}
	a.client.Unsubscribe(a.statusTopic())
	a.client.Disconnect(250)
	a.client = nil
	a.latest = nil
	return nil
}

// PollStatus drains the most recent buffered status message. Vendors retain
// the status topic, so a fresh subscription normally has a message waiting;
// until one arrives the poll fails and the supervisor treats the session as
// degraded.
func (a *MQTTCloudAdapter) PollStatus(ctx context.Context) (models.RawStatus, error) {
	a.mu.Lock()
	payload := a.latest
	receivedAt := a.latestAt
	a.mu.Unlock()

	if payload == nil {
		return models.RawStatus{}, errs.Ef(errs.KindPoll, "mqtt.poll", "no status message received yet").WithDevice(a.device.ID)
	}
	if age := time.Since(receivedAt); age > mqttStatusStaleness {
		return models.RawStatus{}, errs.Ef(errs.KindPoll, "mqtt.poll",
			"last status message is %s old", age.Round(time.Second)).WithDevice(a.device.ID)
	}

	var status cloudStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return models.RawStatus{}, errs.Ef(errs.KindPoll, "mqtt.poll", "malformed status payload: %v", err).WithDevice(a.device.ID)
	}

	return models.RawStatus{
		StateToken:       status.State,
		ProgressPercent:  status.Progress,
		ElapsedSeconds:   status.Elapsed,
		RemainingSeconds: status.Remaining,
		Temperatures:     status.Temps,
		VendorError:      status.Error,
	}, nil
}

// SendCommand publishes the command to the device's command topic. The
// protocol is fire-and-forget: success means the broker accepted the
// publish. A cancelled wait reports "sent, outcome unknown" via the
// Degraded flag instead of claiming either outcome.
func (a *MQTTCloudAdapter) SendCommand(ctx context.Context, req models.CommandRequest) (models.CommandResult, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil {
		return models.CommandResult{}, errs.Ef(errs.KindCommand, "mqtt.command", "not connected").WithDevice(a.device.ID)
	}

	payload, err := json.Marshal(map[string]any{
		"command": req.Name,
		"params":  req.Params,
	})
	if err != nil {
		return models.CommandResult{}, errs.E(errs.KindCommand, "mqtt.command", err).WithDevice(a.device.ID)
	}

	token := client.Publish(a.commandTopic(), mqttQOS, false, payload)
	if !token.WaitTimeout(waitBudget(ctx)) {
		return models.CommandResult{Success: true, Degraded: true, Raw: "sent, outcome unknown"}, nil
	}
	if err := token.Error(); err != nil {
		return models.CommandResult{}, errs.E(errs.KindCommand, "mqtt.command", err).WithDevice(a.device.ID)
	}
	return models.CommandResult{Success: true}, nil
}

// waitBudget translates a context deadline into the wait duration paho
// tokens expect.
func waitBudget(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return 10 * time.Second
}

func tokenErr(token MQTT.Token) error {
	if err := token.Error(); err != nil {
		return err
	}
	return context.DeadlineExceeded
}
