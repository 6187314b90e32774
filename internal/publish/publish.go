// Package publish forwards accepted speed readings to external consumers.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/accelspeed/internal/db"
	"github.com/banshee-data/accelspeed/internal/monitoring"
	"github.com/banshee-data/accelspeed/internal/units"
)

// Publisher receives every reading the ingest handler accepts.
type Publisher interface {
	Publish(r db.SpeedReading) error
	Close() error
}

// NopPublisher discards readings.
type NopPublisher struct{}

func (NopPublisher) Publish(db.SpeedReading) error { return nil }
func (NopPublisher) Close() error                  { return nil }

const (
	DefaultTopic    = "accelspeed/speed"
	DefaultClientID = "accelspeed"
	DefaultTimeout  = 2 * time.Second
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish within the configured timeout.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Topic    string
	Units    units.SpeedUnit
	Timeout  time.Duration
}

func (c *MQTTConfig) normalize() {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Message is the JSON payload published for each reading. Speed is in
// Units; the raw m/s values are always included.
type Message struct {
	SessionID   string  `json:"session_id"`
	TimestampMs int64   `json:"timestamp_ms"`
	Speed       float32 `json:"speed"`
	Units       string  `json:"units"`
	SpeedMPS    float64 `json:"speed_mps"`
	VelocityMPS float64 `json:"velocity_mps"`
	Magnitude   float64 `json:"magnitude"`
}

// client is the subset of mqtt.Client the publisher needs.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes readings at QoS 0, unretained.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client client
}

// NewMQTTPublisher connects to cfg.Broker.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	cfg.normalize()
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	return newMQTTPublisher(cfg, mqtt.NewClient(opts))
}

func newMQTTPublisher(cfg MQTTConfig, c client) (*MQTTPublisher, error) {
	cfg.normalize()
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	monitoring.Logf("publish: connected to %s, topic %s", cfg.Broker, cfg.Topic)
	return &MQTTPublisher{cfg: cfg, client: c}, nil
}

// Topic returns the topic readings are published to.
func (p *MQTTPublisher) Topic() string { return p.cfg.Topic }

func (p *MQTTPublisher) Publish(r db.SpeedReading) error {
	speed, label := units.Convert(float32(r.SpeedMPS), p.cfg.Units)
	payload, err := json.Marshal(Message{
		SessionID:   r.SessionID,
		TimestampMs: r.TimestampMs,
		Speed:       speed,
		Units:       label,
		SpeedMPS:    r.SpeedMPS,
		VelocityMPS: r.VelocityMPS,
		Magnitude:   r.Magnitude,
	})
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}

	token := p.client.Publish(p.cfg.Topic, 0, false, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Close disconnects, allowing 250ms for in-flight messages.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MQTTPublisher)(nil)
	_ client    = (mqtt.Client)(nil)
)
