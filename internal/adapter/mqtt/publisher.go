// Package mqtt publishes pipeline status reports to an MQTT broker as
// retained messages, so a late subscriber immediately sees the latest state.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

const (
	qosAtLeastOnce = 1
	publishTimeout = 5 * time.Second
)

// client is the subset of mqtt.Client used by Publisher.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Options configures a Publisher.
type Options struct {
	BrokerURL string
	ClientID  string
	Topic     string
}

// Publisher implements pipeline.StatusPublisher over MQTT.
type Publisher struct {
	client    client
	topic     string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
}

// NewPublisher creates a publisher; call Connect before publishing.
func NewPublisher(opts Options, logger *slog.Logger) *Publisher {
	p := &Publisher{topic: opts.Topic, logger: logger}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.BrokerURL)
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	co.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", "broker", opts.BrokerURL)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(co)
	return p
}

// Connect waits for the initial broker connection or ctx cancellation.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.IsConnected() {
		return nil
	}
	if err := wait(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Publish sends s as a retained QoS 1 message on the status topic.
func (p *Publisher) Publish(ctx context.Context, s domain.Status) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := wait(ctx, p.client.Publish(p.topic, qosAtLeastOnce, true, data)); err != nil {
		return fmt.Errorf("publish status to %s: %w", p.topic, err)
	}
	p.logger.Debug("published status", "topic", p.topic, "state", s.State, "phase", s.Phase)
	return nil
}

// IsConnected returns whether the client is connected.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	p.setConnected(false)
	return nil
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
