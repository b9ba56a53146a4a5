// Package bridge receives wake-up signals for the sync engine from the
// background-sync machinery that runs outside this process. The signal
// arrives as a tagged JSON message on the terminal's MQTT sync topic;
// only the POS_SYNC_QUEUE tag is interpreted here, everything else is
// owned by other components and ignored. The broker connection state
// doubles as the terminal's connectivity signal.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chefcloud/possync/internal/connectivity"
)

// MessageTypeSyncQueue is the only inbound message type this bridge
// interprets.
const MessageTypeSyncQueue = "POS_SYNC_QUEUE"

const syncTopic = "chefcloud/pos/%s/sync"

// Message is the wire format on the sync topic.
type Message struct {
	Type string `json:"type"`
}

// Bridge subscribes to the terminal's sync topic and invokes the sync
// trigger when a wake-up message arrives.
type Bridge struct {
	broker     string
	port       int
	username   string
	password   string
	terminalID string
	trigger    func()
	monitor    *connectivity.Monitor
	client     MQTTClient
	logger     *slog.Logger
	// Factory function for creating MQTT client
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// New creates a bridge. trigger is invoked (on its own goroutine) for
// every POS_SYNC_QUEUE message; monitor receives broker connect and
// disconnect transitions.
func New(broker string, port int, username, password, terminalID string, trigger func(), monitor *connectivity.Monitor, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		broker:     broker,
		port:       port,
		username:   username,
		password:   password,
		terminalID: terminalID,
		trigger:    trigger,
		monitor:    monitor,
		logger:     logger.With("component", "bridge"),
		clientFactory: func(opts *mqtt.ClientOptions) MQTTClient {
			return &DefaultMQTTClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewWithClient creates a bridge with a custom client factory (for testing)
func NewWithClient(terminalID string, trigger func(), monitor *connectivity.Monitor, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *Bridge {
	b := New("", 0, "", "", terminalID, trigger, monitor, logger)
	b.clientFactory = clientFactory
	return b
}

// Start connects to the broker and subscribes to the sync topic.
func (b *Bridge) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", b.broker, b.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("possync-%s", b.terminalID))

	if b.username != "" {
		opts.SetUsername(b.username)
		opts.SetPassword(b.password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// AutoReconnect only covers connections lost after a successful
	// handshake; ConnectRetry keeps dialing when the very first connect
	// fails, which is the normal boot state for an offline terminal.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
		b.monitor.SetOnline(false)
	})

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.logger.Info("mqtt connected, subscribing to sync topic")
		if err := b.subscribe(); err != nil {
			b.logger.Error("failed to subscribe", "error", err)
			return
		}
		b.monitor.SetOnline(true)
	})

	b.client = b.clientFactory(opts)

	b.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// Not fatal: ConnectRetry keeps dialing in the background and
		// the OnConnect handler finishes startup when the broker
		// appears.
		b.logger.Warn("broker not reachable yet, retrying in background", "broker", brokerURL)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	b.logger.Info("service-worker bridge started", "terminal", b.terminalID)
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() error {
	b.logger.Info("stopping service-worker bridge")
	b.monitor.SetOnline(false)
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	return nil
}

func (b *Bridge) subscribe() error {
	topic := fmt.Sprintf(syncTopic, b.terminalID)
	token := b.client.Subscribe(topic, 1, b.handleMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	b.logger.Info("subscribed", "topic", topic)
	return nil
}

// handleMessage dispatches an inbound message by its type tag.
func (b *Bridge) handleMessage(client mqtt.Client, mqttMsg mqtt.Message) {
	var msg Message
	if err := json.Unmarshal(mqttMsg.Payload(), &msg); err != nil {
		b.logger.Error("failed to parse sync topic message", "error", err)
		return
	}

	if msg.Type != MessageTypeSyncQueue {
		b.logger.Debug("ignoring message type", "type", msg.Type)
		return
	}

	b.logger.Info("sync wake-up received")
	go b.trigger()
}
