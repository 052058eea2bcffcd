// Package telemetry pushes controller state to an MQTT broker: every
// SSR transition as it happens, plus a periodic state frame. The broker
// side feeds dashboards and long-term storage; nothing in the control
// path depends on it, so a dead broker only costs log warnings.
package telemetry

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ovenctl/pkg/log"
	"ovenctl/pkg/oerr"
)

// Publisher abstracts the broker connection.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// ConnectTimeout bounds the initial connect; zero means 10 s.
	ConnectTimeout time.Duration
}

type mqttPublisher struct {
	client mqtt.Client
	logger *log.Logger
}

// NewMQTT connects to the broker and returns a Publisher over it.
func NewMQTT(cfg MQTTConfig, logger *log.Logger) (Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, oerr.E(oerr.InvalidArgument, "telemetry.NewMQTT", "broker URL required")
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("connected to broker %s", cfg.BrokerURL)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("broker connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, oerr.E(oerr.Timeout, "telemetry.NewMQTT", "connect to %s exceeded %s", cfg.BrokerURL, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, oerr.Wrap(err, oerr.IOFailure, "telemetry.NewMQTT", "connect to %s", cfg.BrokerURL)
	}
	return &mqttPublisher{client: client, logger: logger}, nil
}

func (p *mqttPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return oerr.E(oerr.Timeout, "telemetry.Publish", "publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "telemetry.Publish", "publish to %s", topic)
	}
	return nil
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}
