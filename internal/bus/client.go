package bus

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/muurk/trvbridge/internal/config"
	"github.com/muurk/trvbridge/internal/logging"
)

// reconnectDelay is how long the client waits before re-dialing a lost
// broker connection.
const reconnectDelay = 10 * time.Second

// Client is the message-bus surface the bridge consumes. The paho
// implementation below is the production one; tests substitute fakes.
type Client interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic filter.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected reports whether the broker connection is up.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// PahoClient wraps an eclipse/paho client with the bridge's reconnect
// policy: automatic re-dial with a fixed delay, and an OnConnect hook
// so subscriptions and discovery survive broker restarts.
type PahoClient struct {
	log    *zap.Logger
	client mqtt.Client
}

// NewPahoClient builds and connects the production bus client.
// onConnect fires on every (re)connection, after the session is up;
// the bridge uses it to re-subscribe and re-publish discovery.
func NewPahoClient(cfg config.MQTT, onConnect func(Client)) (*PahoClient, error) {
	p := &PahoClient{log: logging.Named("bus")}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID("trvbridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectDelay).
		SetMaxReconnectInterval(reconnectDelay)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.log.Info("Connected to broker", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
		if onConnect != nil {
			onConnect(p)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.Warn("Broker connection lost", zap.Error(err))
	})

	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return p, nil
}

// Publish sends a message and waits for the broker handshake.
func (p *PahoClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := p.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers a handler for a topic filter.
func (p *PahoClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := p.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// IsConnected reports whether the broker connection is up.
func (p *PahoClient) IsConnected() bool {
	return p.client.IsConnected()
}

// Disconnect closes the connection gracefully.
func (p *PahoClient) Disconnect(quiesce uint) {
	p.client.Disconnect(quiesce)
}
