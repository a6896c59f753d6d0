package network

import (
	"fmt"
	"log"
	"sync"

	"meshnet/internal/eventBus"
	"meshnet/internal/packet"
)

// Endpoint is anything that terminates layer 2 deliveries: device nodes
// and, in the simulator, the scripted base.
type Endpoint interface {
	Name() string
	ProcessIncomingPacket(buf []byte, iface uint8, mac uint8)
}

// attachment binds one endpoint interface to a segment under a mac.
type attachment struct {
	driver  *Driver
	iface   uint8
	mac     uint8
	segment *segment
}

// segment is one shared broadcast medium: everything attached to it hears
// broadcasts, unicasts go to a single mac.
type segment struct {
	name    string
	members map[uint8]*attachment
}

type delivery struct {
	target Endpoint
	buf    []byte
	iface  uint8
	srcMac uint8
}

// Network is the in-process layer 2 emulation. Transmits are queued and
// dispatched from a single loop, so endpoints are never re-entered from a
// transmit path.
type Network struct {
	mu       sync.Mutex
	segments map[string]*segment

	queue chan delivery
	quit  chan struct{}

	bus *eventBus.EventBus
}

// NewNetwork creates an empty medium.
func NewNetwork(bus *eventBus.EventBus) *Network {
	return &Network{
		segments: make(map[string]*segment),
		queue:    make(chan delivery, 4096),
		quit:     make(chan struct{}),
		bus:      bus,
	}
}

// Driver is the per-endpoint layer 2 driver handed to a node. One driver
// may be attached on several interfaces, each to its own segment.
type Driver struct {
	net    *Network
	target Endpoint
	links  map[uint8]*attachment
}

// NewDriver creates an unattached driver. The target endpoint is bound at
// Attach time, which lets the node take the driver in its constructor.
func (net *Network) NewDriver() *Driver {
	return &Driver{net: net, links: make(map[uint8]*attachment)}
}

// Attach wires one interface of an endpoint's driver onto a named segment
// under the given mac. The broadcast mac is reserved.
func (net *Network) Attach(d *Driver, ep Endpoint, iface uint8, segName string, mac uint8) error {
	if mac == packet.BroadcastMAC {
		return fmt.Errorf("mac 0 is the broadcast address")
	}
	net.mu.Lock()
	defer net.mu.Unlock()

	seg, ok := net.segments[segName]
	if !ok {
		seg = &segment{name: segName, members: make(map[uint8]*attachment)}
		net.segments[segName] = seg
	}
	if _, taken := seg.members[mac]; taken {
		return fmt.Errorf("mac %d already attached on segment %q", mac, segName)
	}
	if d.target != nil && d.target != ep {
		return fmt.Errorf("driver already bound to %q", d.target.Name())
	}
	d.target = ep
	att := &attachment{driver: d, iface: iface, mac: mac, segment: seg}
	seg.members[mac] = att
	d.links[iface] = att
	log.Printf("[net] %s attached iface %d to segment %q as mac %d", ep.Name(), iface, segName, mac)
	return nil
}

// SendPacket implements the layer 2 contract. mac 0 broadcasts to every
// other member of the interface's segment; the receiver always sees the
// true source mac.
func (d *Driver) SendPacket(buf []byte, iface uint8, mac uint8) {
	d.net.mu.Lock()
	att, ok := d.links[iface]
	if !ok {
		// Interface exists on the device but is not cabled in this topology.
		d.net.mu.Unlock()
		return
	}
	targets := make([]delivery, 0, len(att.segment.members))
	frame := make([]byte, len(buf))
	copy(frame, buf)
	for peerMac, peer := range att.segment.members {
		if peer == att {
			continue
		}
		if mac != packet.BroadcastMAC && peerMac != mac {
			continue
		}
		targets = append(targets, delivery{
			target: peer.driver.target,
			buf:    frame,
			iface:  peer.iface,
			srcMac: att.mac,
		})
	}
	d.net.mu.Unlock()

	for _, t := range targets {
		select {
		case d.net.queue <- t:
		default:
			log.Printf("[net] queue full, dropping frame for %s", t.target.Name())
			d.net.bus.Publish(eventBus.Event{
				Type:   eventBus.EventFrameDropped,
				Node:   t.target.Name(),
				Reason: "queue_full",
			})
		}
	}
}

// Run dispatches queued deliveries until Stop. Use this or DeliverAll,
// not both.
func (net *Network) Run() {
	for {
		select {
		case d := <-net.queue:
			d.target.ProcessIncomingPacket(d.buf, d.iface, d.srcMac)
		case <-net.quit:
			return
		}
	}
}

// Stop terminates Run.
func (net *Network) Stop() {
	close(net.quit)
}

// DeliverAll synchronously drains the queue, including deliveries enqueued
// while draining. Deterministic single-threaded dispatch for tests and
// scripted runs.
func (net *Network) DeliverAll() int {
	count := 0
	for {
		select {
		case d := <-net.queue:
			d.target.ProcessIncomingPacket(d.buf, d.iface, d.srcMac)
			count++
		default:
			return count
		}
	}
}

// Pending reports queued deliveries, for drain loops.
func (net *Network) Pending() int {
	return len(net.queue)
}
