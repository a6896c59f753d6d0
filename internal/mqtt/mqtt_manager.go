package mqtt

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTManager manages the MQTT connection and message routing.
type MQTTManager struct {
	client  mqtt.Client
	MsgChan chan mqtt.Message
}

// New creates and connects a new MQTTManager.
func New(broker, clientID string) (*MQTTManager, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	manager := &MQTTManager{
		MsgChan: make(chan mqtt.Message, 100),
	}
	// Set a default handler to push messages onto the channel.
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		manager.MsgChan <- msg
	})

	manager.client = mqtt.NewClient(opts)
	if token := manager.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return manager, nil
}

// Subscribe subscribes to a specific topic with the desired QoS.
func (m *MQTTManager) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	token := m.client.Subscribe(topic, qos, callback)
	token.Wait()
	return token.Error()
}

// Publish publishes a message to the given topic.
func (m *MQTTManager) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	token := m.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Client exposes the underlying paho client for handlers that need it.
func (m *MQTTManager) Client() mqtt.Client {
	return m.client
}

// Disconnect performs a clean disconnect from the MQTT broker.
func (m *MQTTManager) Disconnect() {
	m.client.Disconnect(250)
	close(m.MsgChan)
}
