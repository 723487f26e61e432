package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/config"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/session"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

var errPublishTimeout = errors.New("mqtt publish timeout")

// mqttPublisher is the part of mqtt.Client the forwarder needs
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTForwarder publishes uplinks on <prefix>/device/<devEUI>/rx
type MQTTForwarder struct {
	client  mqttPublisher
	prefix  string
	qos     byte
	app     string
	timeout time.Duration
	close   func()
}

var _ session.Forwarder = (*MQTTForwarder)(nil)

// NewMQTTForwarder connects to the configured broker
func NewMQTTForwarder(cfg config.MQTTConfig) (*MQTTForwarder, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	f := newMQTTForwarder(client, cfg.TopicPrefix, cfg.QoS)
	f.close = func() { client.Disconnect(250) }
	return f, nil
}

func newMQTTForwarder(client mqttPublisher, prefix string, qos byte) *MQTTForwarder {
	return &MQTTForwarder{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		app:     DefaultApplication,
		timeout: mqttPublishTimeout,
	}
}

// Topic returns the topic uplinks of the telemetry's device go to
func (f *MQTTForwarder) Topic(t *models.Telemetry) string {
	return fmt.Sprintf("%s/device/%s/rx", f.prefix, t.DevEUI)
}

// Forward implements session.Forwarder
func (f *MQTTForwarder) Forward(_ context.Context, t *models.Telemetry) error {
	data, err := marshalEvent(f.app, t)
	if err != nil {
		return fmt.Errorf("marshal uplink event: %w", err)
	}

	topic := f.Topic(t)
	token := f.client.Publish(topic, f.qos, false, data)
	if !token.WaitTimeout(f.timeout) {
		return fmt.Errorf("%s: %w", topic, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	log.Debug().
		Str("devEUI", t.DevEUI.String()).
		Str("topic", topic).
		Msg("uplink forwarded to MQTT")
	return nil
}

// Close disconnects from the broker
func (f *MQTTForwarder) Close() {
	if f.close != nil {
		f.close()
	}
}
