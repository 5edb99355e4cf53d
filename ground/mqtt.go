package ground

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/groundalign/internal/logger"
)

// FrameHandler is called for every message on a sensor topic.
// frame is nil when the payload could not be decoded.
type FrameHandler func(sensorID string, frame *Frame, err error)

// MQTTClient manages the broker connection and the sensor subscriptions
type MQTTClient struct {
	ctx         context.Context
	client      mqtt.Client
	config      *Config
	handler     FrameHandler
	seq         map[string]uint64
	isConnected bool
	mu          sync.RWMutex
	nowFunc     func() time.Time
}

// NewMQTTClient builds a client for config without connecting.
// The broker comes from config.MQTT, already merged with MQTT_* env vars.
func NewMQTTClient(ctx context.Context, config *Config, handler FrameHandler) (*MQTTClient, error) {
	if config == nil || len(config.Sensors) == 0 {
		return nil, errors.New("MQTT enabled but no sensor configuration provided")
	}
	if config.MQTT.Broker == "" {
		return nil, errors.New("mqtt.broker is required (or set MQTT_BROKER)")
	}

	c := newMQTTClient(ctx, nil, config, handler)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)
	opts.SetClientID(config.MQTT.ClientID)
	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Handlers only hand frames to the mailboxes
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

func newMQTTClient(ctx context.Context, client mqtt.Client, config *Config, handler FrameHandler) *MQTTClient {
	return &MQTTClient{
		ctx:     logger.WithName(ctx, "mqtt"),
		client:  client,
		config:  config,
		handler: handler,
		seq:     make(map[string]uint64),
		nowFunc: time.Now,
	}
}

// Start connects in the background, retrying with exponential backoff until
// connected or ctx is done
func (c *MQTTClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		logger.Infof(c.ctx, "[MQTT] connecting to %s", c.config.MQTT.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				logger.Info(c.ctx, "[MQTT] connected")
				c.setConnected(true)
				return
			}
			logger.Warnf(c.ctx, "[MQTT] connection failed: %v", token.Error())
		} else {
			logger.Warnf(c.ctx, "[MQTT] connection timeout")
		}

		logger.Infof(c.ctx, "[MQTT] retrying in %v", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// onConnect subscribes every configured sensor topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	logger.Info(c.ctx, "[MQTT] connected, subscribing to sensor topics")
	c.setConnected(true)

	for _, sensor := range c.config.Sensors {
		token := client.Subscribe(sensor.Topic, 0, c.createMessageHandler(sensor))
		if !token.WaitTimeout(5 * time.Second) {
			logger.WarnKV(c.ctx, "[MQTT] subscribe timeout", "topic", sensor.Topic, "sensor", sensor.ID)
			continue
		}
		if err := token.Error(); err != nil {
			logger.ErrorKV(c.ctx, "[MQTT] subscribe failed", "topic", sensor.Topic, "sensor", sensor.ID, "error", err)
			continue
		}
		logger.InfoKV(c.ctx, "[MQTT] subscribed", "topic", sensor.Topic, "sensor", sensor.ID)
	}
}

// onConnectionLost only records the state; auto-reconnect retries
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	logger.Warnf(c.ctx, "[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	logger.Info(c.ctx, "[MQTT] reconnecting")
}

// createMessageHandler decodes PCD payloads of one sensor into frames
func (c *MQTTClient) createMessageHandler(sensor SensorConfig) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		// Sequence and stamp follow arrival order; handlers decode concurrently
		seq := c.nextSeq(sensor.ID)
		stamp := c.nowFunc()
		payload := msg.Payload()
		logger.DebugKV(c.ctx, "[MQTT] cloud received", "sensor", sensor.ID, "topic", msg.Topic(), "seq", seq, "bytes", len(payload))

		frame, err := DecodeFrameBytes(payload, sensor.FrameID)
		if err != nil {
			if c.handler != nil {
				c.handler(sensor.ID, nil, &FrameError{SensorID: sensor.ID, FrameID: sensor.FrameID, Err: err})
			}
			return
		}

		frame.Seq = seq
		frame.Stamp = stamp
		frame.Meta = map[string]string{
			"sensor": sensor.ID,
			"topic":  msg.Topic(),
		}

		if c.handler != nil {
			c.handler(sensor.ID, frame, nil)
		}
	}
}

func (c *MQTTClient) nextSeq(sensorID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq[sensorID]++
	return c.seq[sensorID]
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the connection after a short quiesce period
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		logger.Info(c.ctx, "[MQTT] disconnecting")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// SensorByTopic returns the sensor subscribed to topic
func (c *MQTTClient) SensorByTopic(topic string) (string, bool) {
	for _, sensor := range c.config.Sensors {
		if sensor.Topic == topic {
			return sensor.ID, true
		}
	}
	return "", false
}

// Client returns the underlying client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

func (c *MQTTClient) String() string {
	return fmt.Sprintf("MQTTClient(%s, %d sensors)", c.config.MQTT.Broker, len(c.config.Sensors))
}
