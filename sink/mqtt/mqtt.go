package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/binding"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/shimmeringbee/logwrap"
	"strings"
	"time"
)

const DefaultTopicPrefix = "hub"

const publishTimeout = 5 * time.Second

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Publisher delivers a payload to a topic without blocking the caller.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool)
}

// Sink publishes capability values and availability to MQTT, one retained topic per
// device capability.
type Sink struct {
	publisher Publisher
	prefix    string
	logger    logwrap.Logger
	close     func()
}

func New(p Publisher, prefix string, l logwrap.Logger) *Sink {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	return &Sink{publisher: p, prefix: strings.TrimSuffix(prefix, "/"), logger: l}
}

// Connect dials the broker and returns a sink publishing through it.
func Connect(cfg Config, l logwrap.Logger) (*Sink, error) {
	ctx := context.Background()

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tuya-zigbee-hub"
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(prefix+"/bridge/state", "offline", 1, true).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			l.LogWarn(ctx, "MQTT connection lost.", logwrap.Err(err))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	p := &clientPublisher{client: client, logger: l}
	p.Publish(prefix+"/bridge/state", []byte("online"), true)

	s := New(p, prefix, l)
	s.close = func() {
		p.Publish(prefix+"/bridge/state", []byte("offline"), true)
		client.Disconnect(1000)
	}

	return s, nil
}

type valuePayload struct {
	Value      any       `json:"value"`
	Capability string    `json:"capability"`
	Name       string    `json:"name"`
	Descriptor string    `json:"descriptor"`
	Timestamp  time.Time `json:"timestamp"`
}

type availabilityPayload struct {
	State     binding.Availability `json:"state"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

func (s *Sink) Topic(device string, capability string, suffix ...string) string {
	parts := append([]string{s.prefix, device, capability}, suffix...)
	return strings.Join(parts, "/")
}

func (s *Sink) Send(e any) {
	switch e := e.(type) {
	case binding.ValueEvent:
		s.publish(s.Topic(e.Device.String(), e.Capability), valuePayload{
			Value:      e.Value,
			Capability: e.Capability,
			Name:       binding.StandardName(e.Capability),
			Descriptor: e.Descriptor,
			Timestamp:  e.Timestamp,
		})
	case binding.AvailabilityEvent:
		p := availabilityPayload{State: e.State, Timestamp: e.Timestamp}
		if e.Err != nil {
			p.Error = e.Err.Error()
		}
		s.publish(s.Topic(e.Device.String(), e.Capability, "availability"), p)
	}
}

func (s *Sink) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.LogWarn(context.Background(), "Failed to encode MQTT payload.", logwrap.Datum("Topic", topic), logwrap.Err(err))
		return
	}

	s.publisher.Publish(topic, payload, true)
}

func (s *Sink) Close() {
	if s.close != nil {
		s.close()
	}
}

var _ binding.EventSender = (*Sink)(nil)

type clientPublisher struct {
	client pahomqtt.Client
	logger logwrap.Logger
}

func (c *clientPublisher) Publish(topic string, payload []byte, retained bool) {
	token := c.client.Publish(topic, 1, retained, payload)

	go func() {
		if !token.WaitTimeout(publishTimeout) {
			c.logger.LogWarn(context.Background(), "MQTT publish timeout.", logwrap.Datum("Topic", topic))
		} else if err := token.Error(); err != nil {
			c.logger.LogWarn(context.Background(), "MQTT publish error.", logwrap.Datum("Topic", topic), logwrap.Err(err))
		}
	}()
}
