package bridge

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Bus is the outbound side of the MQTT connection.
type Bus interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Message is an inbound MQTT message handed to the dispatcher.
type Message struct {
	Topic   string
	Payload []byte
}

// MQTTBus publishes through a paho client and waits for each publish to complete.
type MQTTBus struct {
	client mqtt.Client
	qos    byte
}

func NewMQTTBus(client mqtt.Client) *MQTTBus {
	return &MQTTBus{client: client}
}

func (b *MQTTBus) Publish(topic string, retained bool, payload []byte) error {
	if t := b.client.Publish(topic, b.qos, retained, payload); t.Wait() && t.Error() != nil {
		return t.Error()
	}

	return nil
}

// Subscribe forwards messages on the given topics to out, in arrival order.
func (b *MQTTBus) Subscribe(topics []string, out chan<- Message) error {
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = b.qos
	}

	handler := func(client mqtt.Client, msg mqtt.Message) {
		out <- Message{Topic: msg.Topic(), Payload: msg.Payload()}
	}

	if t := b.client.SubscribeMultiple(filters, handler); t.Wait() && t.Error() != nil {
		return fmt.Errorf("MQTT subscribe error: %w", t.Error())
	}

	return nil
}
