package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"meshnet/internal/eventBus"
	"meshnet/internal/network"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// RegistrationTopic is where physical devices announce themselves.
const RegistrationTopic = "meshnet/register"

func uplinkTopic(deviceID string) string {
	return "meshnet/" + deviceID + "/up"
}

func downlinkTopic(deviceID string) string {
	return "meshnet/" + deviceID + "/down"
}

// proxyEndpoint stands in for a physical device on the simulated medium:
// frames delivered to it go out to the broker, frames the device publishes
// come back in through its driver.
type proxyEndpoint struct {
	id      string
	manager *MQTTManager
	driver  *network.Driver
}

func (p *proxyEndpoint) Name() string {
	return "phys-" + p.id
}

func (p *proxyEndpoint) ProcessIncomingPacket(buf []byte, iface uint8, mac uint8) {
	env := FrameEnvelope{Iface: iface, Mac: mac, Payload: buf}
	body, err := msgpack.Marshal(&env)
	if err != nil {
		log.Printf("[mqtt] %s: encode: %v", p.Name(), err)
		return
	}
	if err := p.manager.Publish(downlinkTopic(p.id), 0, false, body); err != nil {
		log.Printf("[mqtt] %s: publish: %v", p.Name(), err)
	}
}

// Bridge joins physical devices, reachable over a broker, into the
// simulated network.
type Bridge struct {
	manager *MQTTManager
	net     *network.Network
	bus     *eventBus.EventBus

	mu      sync.Mutex
	proxies map[string]*proxyEndpoint
}

func NewBridge(manager *MQTTManager, net *network.Network, bus *eventBus.EventBus) *Bridge {
	return &Bridge{
		manager: manager,
		net:     net,
		bus:     bus,
		proxies: make(map[string]*proxyEndpoint),
	}
}

// Start subscribes to the registration topic.
func (b *Bridge) Start() error {
	return b.manager.Subscribe(RegistrationTopic, 1, b.handleRegistration)
}

func (b *Bridge) handleRegistration(client mqtt.Client, msg mqtt.Message) {
	var payload DeviceRegistration
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		log.Printf("[mqtt] bad registration payload: %v", err)
		return
	}
	if payload.DeviceID == "" {
		payload.DeviceID = uuid.NewString()
	}

	switch payload.Event {
	case "register":
		if err := b.register(payload); err != nil {
			log.Printf("[mqtt] register %s: %v", payload.DeviceID, err)
			return
		}
		b.bus.Publish(eventBus.Event{
			Type:    eventBus.EventDeviceRegistered,
			Node:    "phys-" + payload.DeviceID,
			Payload: fmt.Sprintf("physical device on segment %q mac %d", payload.Segment, payload.Mac),
		})
	case "remove":
		b.remove(payload.DeviceID)
		b.bus.Publish(eventBus.Event{
			Type: eventBus.EventDeviceRemoved,
			Node: "phys-" + payload.DeviceID,
		})
	default:
		log.Printf("[mqtt] unknown registration event %q", payload.Event)
	}
}

func (b *Bridge) register(payload DeviceRegistration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.proxies[payload.DeviceID]; exists {
		return fmt.Errorf("already registered")
	}
	drv := b.net.NewDriver()
	proxy := &proxyEndpoint{id: payload.DeviceID, manager: b.manager, driver: drv}
	if err := b.net.Attach(drv, proxy, payload.Iface, payload.Segment, payload.Mac); err != nil {
		return err
	}
	if err := b.manager.Subscribe(uplinkTopic(payload.DeviceID), 0, b.handleUplink(proxy)); err != nil {
		return err
	}
	b.proxies[payload.DeviceID] = proxy
	log.Printf("[mqtt] physical device %s registered on segment %q", payload.DeviceID, payload.Segment)
	return nil
}

func (b *Bridge) remove(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// The segment attachment stays and frames delivered to the proxy are
	// still published on the downlink topic; only uplink relaying stops.
	delete(b.proxies, deviceID)
	log.Printf("[mqtt] physical device %s removed", deviceID)
}

// handleUplink turns device-published envelopes into transmits on the
// simulated medium.
func (b *Bridge) handleUplink(proxy *proxyEndpoint) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		b.mu.Lock()
		_, live := b.proxies[proxy.id]
		b.mu.Unlock()
		if !live {
			return
		}
		var env FrameEnvelope
		if err := msgpack.Unmarshal(msg.Payload(), &env); err != nil {
			log.Printf("[mqtt] %s: bad uplink envelope: %v", proxy.Name(), err)
			return
		}
		proxy.driver.SendPacket(env.Payload, env.Iface, env.Mac)
	}
}
