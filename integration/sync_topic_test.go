//go:build integration

// Package integration verifies the MQTT sync-topic contract between the
// ChefCloud server and the possync gateway against a real broker.
//
// The server wakes a terminal's gateway by publishing a tagged JSON
// message on chefcloud/pos/<terminalId>/sync; the gateway subscribes
// with QoS 1 and only reacts to the POS_SYNC_QUEUE tag.
//
// Prerequisites:
//   - MQTT broker (Mosquitto) running on localhost:1883
//   - Set MQTT_BROKER and MQTT_PORT env vars to override defaults
//
// Run with: go test -v -tags=integration -timeout=60s ./...
package integration

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SyncMessage is the wire format on the sync topic.
// Must match: internal/bridge/bridge.go::Message
type SyncMessage struct {
	Type string `json:"type"`
}

const syncTopicFmt = "chefcloud/pos/%s/sync"

func mqttBroker() string {
	if b := os.Getenv("MQTT_BROKER"); b != "" {
		return b
	}
	return "localhost"
}

func mqttPort() int {
	if p := os.Getenv("MQTT_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err == nil {
			return port
		}
	}
	return 1883
}

// newClient creates a connected MQTT client for testing.
// It skips the test if the broker is unavailable.
func newClient(t *testing.T, clientID string) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", mqttBroker(), mqttPort()))
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		t.Skip("MQTT broker not available (connection timeout) — skipping integration test")
	}
	if err := token.Error(); err != nil {
		t.Skipf("MQTT broker not available (%v) — skipping integration test", err)
	}

	t.Cleanup(func() {
		client.Disconnect(250)
	})

	return client
}

func publishJSON(t *testing.T, client mqtt.Client, topic string, payload interface{}) {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	token := client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatal("publish timeout")
	}
	if err := token.Error(); err != nil {
		t.Fatalf("publish error: %v", err)
	}
}

func waitForMessage(t *testing.T, ch <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// TestSyncWakeup: server publishes POS_SYNC_QUEUE → gateway subscriber
// receives it on the terminal's topic.
func TestSyncWakeup(t *testing.T) {
	terminalID := "itest-terminal-1"

	serverClient := newClient(t, "chefcloud-server-test")
	gatewayClient := newClient(t, "possync-gateway-test")

	msgCh := make(chan []byte, 1)
	topic := fmt.Sprintf(syncTopicFmt, terminalID)
	token := gatewayClient.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		data := make([]byte, len(msg.Payload()))
		copy(data, msg.Payload())
		select {
		case msgCh <- data:
		default:
		}
	})
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatal("subscribe timeout")
	}

	// Give the subscription time to propagate
	time.Sleep(200 * time.Millisecond)

	publishJSON(t, serverClient, topic, SyncMessage{Type: "POS_SYNC_QUEUE"})

	data := waitForMessage(t, msgCh, 5*time.Second)
	var received SyncMessage
	if err := json.Unmarshal(data, &received); err != nil {
		t.Fatalf("failed to unmarshal sync message: %v", err)
	}
	if received.Type != "POS_SYNC_QUEUE" {
		t.Errorf("expected type 'POS_SYNC_QUEUE', got '%s'", received.Type)
	}
}

// TestTopicIsolation: a wake-up for one terminal must not reach another
// terminal's subscription.
func TestTopicIsolation(t *testing.T) {
	serverClient := newClient(t, "chefcloud-server-iso-test")
	gatewayClient := newClient(t, "possync-gateway-iso-test")

	msgCh := make(chan []byte, 1)
	token := gatewayClient.Subscribe(fmt.Sprintf(syncTopicFmt, "itest-terminal-a"), 1, func(_ mqtt.Client, msg mqtt.Message) {
		data := make([]byte, len(msg.Payload()))
		copy(data, msg.Payload())
		select {
		case msgCh <- data:
		default:
		}
	})
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatal("subscribe timeout")
	}

	time.Sleep(200 * time.Millisecond)

	publishJSON(t, serverClient, fmt.Sprintf(syncTopicFmt, "itest-terminal-b"), SyncMessage{Type: "POS_SYNC_QUEUE"})

	select {
	case <-msgCh:
		t.Fatal("terminal A received terminal B's wake-up")
	case <-time.After(2 * time.Second):
	}
}
