// Package mqtt feeds readings published on an MQTT topic into the relay.
package mqtt

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/printer-dashboard/relay/internal/models"
)

// Ingester accepts raw producer frames.
type Ingester interface {
	Ingest(source string, raw []byte) (models.LogRecord, error)
}

// Config holds MQTT broker and subscription settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// Subscriber forwards every message on the configured topic to an Ingester.
type Subscriber struct {
	client   mqtt.Client
	ingester Ingester
	topic    string
	qos      byte
	logger   *slog.Logger
}

// NewSubscriber wires a subscriber around an existing client.
func NewSubscriber(client mqtt.Client, ingester Ingester, cfg Config, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		client:   client,
		ingester: ingester,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		logger:   logger.With("component", "mqtt", "topic", cfg.Topic),
	}
}

// Connect dials the broker and subscribes. The subscription is renewed on
// every reconnect.
func Connect(cfg Config, ingester Ingester, logger *slog.Logger) (*Subscriber, error) {
	s := NewSubscriber(nil, ingester, cfg, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			s.logger.Error("subscribe failed", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	s.logger.Info("connected to broker", "broker", cfg.Broker)
	return s, nil
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.topic, s.qos, s.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.topic, err)
	}
	s.logger.Info("subscribed")
	return nil
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	rec, err := s.ingester.Ingest("mqtt:"+msg.Topic(), msg.Payload())
	if err != nil {
		s.logger.Debug("message not ingested", "error", err)
		return
	}
	s.logger.Debug("ingested", "seq", rec.Seq, "readings", len(rec.Readings))
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	s.logger.Info("disconnected")
}
