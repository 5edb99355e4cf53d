package ground

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 2 * time.Second

// Publisher sends aligned clouds and diagnostics to MQTT
type Publisher struct {
	client mqtt.Client
	prefix string
}

// NewPublisher creates a publisher writing below prefix.
// A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = defaultPublishPrefix
	}
	return &Publisher{client: client, prefix: prefix}
}

// Prefix is the topic prefix in use
func (p *Publisher) Prefix() string {
	return p.prefix
}

// PointsTopic is the topic carrying aligned clouds of a sensor
func PointsTopic(prefix, sensorID string) string {
	return fmt.Sprintf("%s/%s/points", prefix, sensorID)
}

// PoseTopic is the topic carrying diagnostics of a sensor
func PoseTopic(prefix, sensorID string) string {
	return fmt.Sprintf("%s/%s/pose", prefix, sensorID)
}

// PublishFrame sends frame as binary PCD (QoS 0, not retained)
func (p *Publisher) PublishFrame(sensorID string, frame *Frame) error {
	payload, err := EncodeFrameBytes(frame)
	if err != nil {
		return err
	}
	return p.publish(PointsTopic(p.prefix, sensorID), false, payload)
}

// PublishDiagnostics sends d as retained JSON
func (p *Publisher) PublishDiagnostics(d *Diagnostics) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling diagnostics: %w", err)
	}
	return p.publish(PoseTopic(p.prefix, d.SensorID), true, payload)
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("MQTT client not connected")
	}

	token := p.client.Publish(topic, 0, retain, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
