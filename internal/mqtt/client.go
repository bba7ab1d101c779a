// Package mqtt bridges the coordination store to an MQTT broker: regulator
// status, temperature, valve position and errors go out, operator commands
// come in.
package mqtt

import (
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 500 // milliseconds
	defaultKeepAlive         = 30 * time.Second
	maxReconnectInterval     = time.Minute
	maxQoS                   = 2
)

var connectRetryInterval = 10 * time.Second

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            int
	ConnectTimeout time.Duration
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Broker == "":
		return errFactory.WithData(ErrInvalidConfig, "mqtt broker is required")
	case c.ClientID == "":
		return errFactory.WithData(ErrInvalidConfig, "mqtt client_id is required")
	case c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, "#+"):
		return errFactory.WithData(ErrInvalidConfig, "mqtt topic_prefix must be a plain topic")
	case c.QoS < 0 || c.QoS > maxQoS:
		return errFactory.WithData(ErrInvalidConfig, "mqtt qos must be 0, 1 or 2")
	case c.ConnectTimeout <= 0:
		return errFactory.WithData(ErrInvalidConfig, "mqtt connect_timeout must be positive")
	}
	return nil
}

// MessageHandler receives the payload of a message on a subscribed topic.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	topic   string
	handler MessageHandler
}

// Client wraps paho with reconnect-safe subscriptions and an online flag
// backed by a retained last will.
type Client struct {
	client pahomqtt.Client
	cfg    Config
	topics Topics
	log    logger.Logger

	subMu sync.RWMutex
	subs  map[string]subscription
}

func Connect(cfg Config, log logger.Logger) (*Client, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		topics: Topics{Prefix: cfg.TopicPrefix},
		log:    log,
		subs:   make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.log.Warn().Err(err).Msg("MQTT connection lost")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		// Stops paho's connect retry; nobody owns this client after we return.
		c.client.Disconnect(0)
		return nil, errFactory.WithData(ErrConnectionFailed, struct {
			Broker  string
			Timeout string
		}{
			Broker:  cfg.Broker,
			Timeout: cfg.ConnectTimeout.String(),
		})
	}
	if err := token.Error(); err != nil {
		c.client.Disconnect(0)
		return nil, errFactory.Wrap(ErrConnectionFailed, err)
	}

	log.Info().
		Str("broker", cfg.Broker).
		Str("client_id", cfg.ClientID).
		Str("prefix", cfg.TopicPrefix).
		Msg("MQTT connected")

	return c, nil
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	topics := Topics{Prefix: cfg.TopicPrefix}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(connectRetryInterval)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(topics.Online(), "false", byte(cfg.QoS), true)

	return opts
}

func (c *Client) handleConnect() {
	c.subMu.RLock()
	for _, sub := range c.subs {
		c.client.Subscribe(sub.topic, byte(c.cfg.QoS), c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	c.client.Publish(c.topics.Online(), byte(c.cfg.QoS), true, "true")
}

// Publish sends payload and waits for the broker to acknowledge it.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	errFactory := errors.New()

	if !c.client.IsConnected() {
		return errFactory.New(ErrNotConnected)
	}

	token := c.client.Publish(topic, byte(c.cfg.QoS), retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return errFactory.WithData(ErrTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return errFactory.Wrap(ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is restored on
// every reconnect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.subMu.Lock()
	c.subs[topic] = subscription{topic: topic, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, byte(c.cfg.QoS), c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return errors.New().WithData(ErrTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return errors.New().Wrap(ErrSubscribeFailed, err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close marks the bridge offline and disconnects.
func (c *Client) Close() error {
	if c.client.IsConnected() {
		token := c.client.Publish(c.topics.Online(), byte(c.cfg.QoS), true, "false")
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.log.Info().Msg("MQTT disconnected")
	return nil
}

func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().
					Str("topic", msg.Topic()).
					Interface("panic", r).
					Msg("MQTT handler panic recovered")
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("MQTT handler failed")
		}
	}
}
