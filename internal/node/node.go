package node

import (
	"crypto/rand"
	"encoding/binary"
	"log"

	"meshnet/internal/eventBus"
	"meshnet/internal/meshkey"
	"meshnet/internal/metrics"
	"meshnet/internal/packet"
	"meshnet/internal/routing"
)

// DeviceInfoCommand is the mandatory layer 4 command 0.
const DeviceInfoCommand uint8 = 0

// DeviceInfoLen is the body of the command 0 reply: deviceType, deviceUniqueId.
const DeviceInfoLen = 8

// IDriver is the layer 2 seam. SendPacket with mac 0 broadcasts on that
// interface; drivers must not re-enter the node from their transmit path.
type IDriver interface {
	SendPacket(buf []byte, iface uint8, mac uint8)
}

// CommandHandler receives layer 4 commands other than command 0.
type CommandHandler func(command uint8, data []byte)

// RandomFunc supplies the per-wave child nonces.
type RandomFunc func() uint32

// Config is the persistent identity of a device, normally EEPROM-backed.
type Config struct {
	Name           string // label for logs and events only
	NetworkID      uint16
	NetworkKey     uint32
	DeviceType     uint32
	DeviceUniqueID uint32
	NumInterfaces  uint8
}

// neighbor is a (interface, mac) pair. The broadcast mac never appears here.
type neighbor struct {
	iface uint8
	mac   uint8
}

// netConfig is one network configuration: the beacon wave it belongs to,
// the route to base, and this device's identity within the wave.
type netConfig struct {
	baseNonce    uint32
	toBase       *neighbor // nil until the wave reaches us
	myAddress    uint8
	myChildNonce uint32
}

// Node is the layer 3/4 engine of one device. All state is owned by the
// node and mutated only from ProcessIncomingPacket and the send helpers;
// the caller provides the single-threaded discipline.
type Node struct {
	cfg    Config
	driver IDriver

	random    RandomFunc
	hmac      meshkey.HmacFunc
	onCommand CommandHandler

	active    netConfig  // toBase == nil means unjoined
	tentative *netConfig // at most one, baseNonce differs from active

	childTable   *routing.ChildTable
	routingTable *routing.RoutingTable

	bus  *eventBus.EventBus
	coll *metrics.Collector
}

// NewNode builds a device node. bus and coll may be nil.
func NewNode(cfg Config, driver IDriver, bus *eventBus.EventBus, coll *metrics.Collector) *Node {
	if cfg.NumInterfaces == 0 {
		cfg.NumInterfaces = 1
	}
	return &Node{
		cfg:          cfg,
		driver:       driver,
		random:       secureRandom32,
		hmac:         meshkey.HmacSha1,
		childTable:   routing.NewChildTable(),
		routingTable: routing.NewRoutingTable(),
		bus:          bus,
		coll:         coll,
	}
}

// SetRandomSource replaces the nonce source, mainly for tests.
func (n *Node) SetRandomSource(f RandomFunc) {
	n.random = f
}

// SetHmacFunc replaces the HMAC primitive, mainly for tests.
func (n *Node) SetHmacFunc(f meshkey.HmacFunc) {
	n.hmac = f
}

// SetCommandHandler installs the layer 7 dispatch target.
func (n *Node) SetCommandHandler(h CommandHandler) {
	n.onCommand = h
}

func secureRandom32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.Fatalf("random source failed: %v", err)
	}
	return binary.LittleEndian.Uint32(b[:])
}

// Name returns the log label of this node.
func (n *Node) Name() string {
	return n.cfg.Name
}

// Joined reports whether the device has been addressed in the active
// configuration.
func (n *Node) Joined() bool {
	return n.active.toBase != nil
}

// Address returns the assigned layer 3 address; valid only when Joined.
func (n *Node) Address() uint8 {
	return n.active.myAddress
}

// ChildNonce returns the nonce of the wave currently being processed, the
// tentative one when a handshake is in flight.
func (n *Node) ChildNonce() uint32 {
	if n.tentative != nil {
		return n.tentative.myChildNonce
	}
	return n.active.myChildNonce
}

// RoutingTableRows snapshots the tree routes, for inspection surfaces.
func (n *Node) RoutingTableRows() []routing.RoutingTableRow {
	return n.routingTable.Rows()
}

// ChildTableLen reports the number of pending children.
func (n *Node) ChildTableLen() int {
	return n.childTable.Len()
}

// currentWave is the configuration handshake frames key against: the
// tentative one while a wave is in flight, else the active one.
func (n *Node) currentWave() (*netConfig, bool) {
	if n.tentative != nil {
		return n.tentative, true
	}
	if n.active.toBase != nil {
		return &n.active, true
	}
	return nil, false
}

func (n *Node) drop(pktType uint8, reason string) {
	n.coll.AddDrop(reason)
	n.bus.Publish(eventBus.Event{
		Type:    eventBus.EventFrameDropped,
		Node:    n.cfg.Name,
		PktType: pktType,
		Reason:  reason,
	})
}

// ProcessIncomingPacket is the single entry point from the layer 2
// drivers. mac is the true source address, never 0. The call runs to
// completion; every emitted frame goes out through the driver before it
// returns, in the order the protocol fixes.
func (n *Node) ProcessIncomingPacket(buf []byte, iface uint8, mac uint8) {
	if len(buf) < packet.MinPacketLen {
		n.drop(0xFF, metrics.DropMalformed)
		return
	}
	if mac == packet.BroadcastMAC {
		n.drop(packet.Type(buf), metrics.DropInvalidSource)
		return
	}

	switch packet.Type(buf) {
	case packet.PKT_DATA_TO_BASE:
		n.forwardToBase(buf)
	case packet.PKT_DATA_TO_DEVICE:
		n.handleDataToDevice(buf)
	case packet.PKT_BEACON:
		n.handleBeacon(buf, iface, mac)
	case packet.PKT_CHILD_RESPONSE:
		n.handleChildResponse(buf, iface, mac)
	case packet.PKT_PARENT_RESPONSE:
		n.handleParentResponse(buf)
	case packet.PKT_ASSIGN_ADDRESS:
		n.handleAssignAddress(buf)
	default:
		n.drop(packet.Type(buf), metrics.DropMalformed)
	}
}

// handleBeacon starts a new tentative configuration and propagates the
// wave: re-broadcast first, then our own child response to the parent.
func (n *Node) handleBeacon(buf []byte, iface uint8, mac uint8) {
	var beacon packet.BeaconHeader
	if err := beacon.DeserialiseBeacon(buf); err != nil {
		n.drop(packet.PKT_BEACON, metrics.DropMalformed)
		return
	}
	if beacon.NetworkID != n.cfg.NetworkID {
		n.drop(packet.PKT_BEACON, metrics.DropForeignNetwork)
		return
	}
	// Dedup per wave: one transient flood per fresh baseNonce is the only
	// storm defense.
	if n.tentative != nil && beacon.BaseNonce == n.tentative.baseNonce {
		n.drop(packet.PKT_BEACON, metrics.DropDuplicate)
		return
	}
	if n.active.toBase != nil && beacon.BaseNonce == n.active.baseNonce {
		n.drop(packet.PKT_BEACON, metrics.DropDuplicate)
		return
	}

	n.coll.AddBeacon()
	n.tentative = &netConfig{
		baseNonce:    beacon.BaseNonce,
		toBase:       &neighbor{iface: iface, mac: mac},
		myChildNonce: n.random(),
	}
	// Pending children of an older wave can never be addressed again.
	n.childTable.Reset()

	log.Printf("[mesh] node %s: beacon wave %08x via (%d,%d)", n.cfg.Name, beacon.BaseNonce, iface, mac)
	n.bus.Publish(eventBus.Event{
		Type:    eventBus.EventBeaconSeen,
		Node:    n.cfg.Name,
		PktType: packet.PKT_BEACON,
	})

	// Re-broadcast the beacon unchanged on every interface.
	for interf := uint8(0); interf < n.cfg.NumInterfaces; interf++ {
		n.driver.SendPacket(buf, interf, packet.BroadcastMAC)
	}

	// Announce ourselves to the parent.
	resp := packet.ChildResponseHeader{ChildNonce: n.tentative.myChildNonce}
	frame := resp.SerialiseChildResponse()
	meshkey.Seal(n.hmac, meshkey.KeyToBase(n.tentative.baseNonce, n.cfg.NetworkKey), frame)
	n.driver.SendPacket(frame, n.tentative.toBase.iface, n.tentative.toBase.mac)
}

// handleChildResponse registers a child of ours for the current wave and
// reports the parent-child edge up to the base.
func (n *Node) handleChildResponse(buf []byte, iface uint8, mac uint8) {
	var resp packet.ChildResponseHeader
	if err := resp.DeserialiseChildResponse(buf); err != nil {
		n.drop(packet.PKT_CHILD_RESPONSE, metrics.DropMalformed)
		return
	}
	wave, ok := n.currentWave()
	if !ok {
		n.drop(packet.PKT_CHILD_RESPONSE, metrics.DropUnroutable)
		return
	}
	key := meshkey.KeyToBase(wave.baseNonce, n.cfg.NetworkKey)
	if !meshkey.Verify(n.hmac, key, buf) {
		n.drop(packet.PKT_CHILD_RESPONSE, metrics.DropBadHmac)
		return
	}
	if !n.childTable.Add(routing.ChildTableRow{
		ChildNonce: resp.ChildNonce,
		Interface:  iface,
		MacAddress: mac,
	}) {
		n.drop(packet.PKT_CHILD_RESPONSE, metrics.DropTableFull)
		return
	}

	n.bus.Publish(eventBus.Event{
		Type:    eventBus.EventChildRegistered,
		Node:    n.cfg.Name,
		PktType: packet.PKT_CHILD_RESPONSE,
	})

	parent := packet.ParentResponseHeader{
		ChildNonce:  resp.ChildNonce,
		ParentNonce: wave.myChildNonce,
	}
	frame := parent.SerialiseParentResponse()
	meshkey.Seal(n.hmac, key, frame)
	n.driver.SendPacket(frame, wave.toBase.iface, wave.toBase.mac)
}

// handleParentResponse relays edge reports toward the base unverified;
// the base checks the HMAC end to end.
func (n *Node) handleParentResponse(buf []byte) {
	if len(buf) != packet.ParentResponseLen {
		n.drop(packet.PKT_PARENT_RESPONSE, metrics.DropMalformed)
		return
	}
	wave, ok := n.currentWave()
	if !ok {
		n.drop(packet.PKT_PARENT_RESPONSE, metrics.DropUnroutable)
		return
	}
	n.coll.AddForwarded()
	n.driver.SendPacket(buf, wave.toBase.iface, wave.toBase.mac)
}

// handleAssignAddress is the tail of the handshake: either the base is
// addressing us (promotion) or one of our descendants (route + relay).
func (n *Node) handleAssignAddress(buf []byte) {
	var assign packet.AssignAddressHeader
	if err := assign.DeserialiseAssignAddress(buf); err != nil {
		n.drop(packet.PKT_ASSIGN_ADDRESS, metrics.DropMalformed)
		return
	}
	wave, ok := n.currentWave()
	if !ok {
		n.drop(packet.PKT_ASSIGN_ADDRESS, metrics.DropUnroutable)
		return
	}
	key := meshkey.KeyToDevice(assign.ChildNonce, wave.baseNonce, n.cfg.NetworkKey)
	if !meshkey.Verify(n.hmac, key, buf) {
		n.drop(packet.PKT_ASSIGN_ADDRESS, metrics.DropBadHmac)
		return
	}

	if assign.ChildNonce == wave.myChildNonce {
		n.promote(assign.Address)
		return
	}

	if row, found := n.childTable.Find(assign.ChildNonce); found {
		added := n.routingTable.Add(routing.RoutingTableRow{
			Address:    assign.Address,
			MaxRoute:   assign.MaxRoute,
			Interface:  row.Interface,
			MacAddress: row.MacAddress,
		})
		if !added {
			// Row stays pending; the frame cannot be honoured.
			n.drop(packet.PKT_ASSIGN_ADDRESS, metrics.DropTableFull)
			return
		}
		n.childTable.Remove(assign.ChildNonce)
		n.bus.Publish(eventBus.Event{
			Type: eventBus.EventRouteAdded,
			Node: n.cfg.Name,
			Route: eventBus.RouteEntry{
				Address:    assign.Address,
				MaxRoute:   assign.MaxRoute,
				Interface:  row.Interface,
				MacAddress: row.MacAddress,
			},
		})
		n.coll.AddForwarded()
		n.driver.SendPacket(buf, row.Interface, row.MacAddress)
		return
	}

	// A deeper descendant: the addressed node's parent already holds a
	// route covering it, so tree routing applies.
	if row, found := n.routingTable.Route(assign.Address); found {
		n.coll.AddForwarded()
		n.driver.SendPacket(buf, row.Interface, row.MacAddress)
		return
	}
	n.drop(packet.PKT_ASSIGN_ADDRESS, metrics.DropUnroutable)
}

// promote cuts over from the tentative to the active configuration and
// self-issues the device info command.
func (n *Node) promote(address uint8) {
	if n.tentative != nil {
		n.active = *n.tentative
		n.tentative = nil
		// Routes of the previous configuration died with its wave.
		n.routingTable.Reset()
	}
	n.active.myAddress = address

	log.Printf("[mesh] node %s: joined, address=%d baseNonce=%08x", n.cfg.Name, address, n.active.baseNonce)
	n.coll.AddJoin()
	n.bus.Publish(eventBus.Event{
		Type:    eventBus.EventNodeJoined,
		Node:    n.cfg.Name,
		Address: address,
	})
	n.sendDeviceInfoCommand()
}

// forwardToBase sends a data frame one hop up the tree.
func (n *Node) forwardToBase(buf []byte) {
	if n.active.toBase == nil {
		n.drop(packet.PKT_DATA_TO_BASE, metrics.DropUnroutable)
		return
	}
	n.coll.AddForwarded()
	n.driver.SendPacket(buf, n.active.toBase.iface, n.active.toBase.mac)
}

// handleDataToDevice terminates or tree-routes a downward data frame.
func (n *Node) handleDataToDevice(buf []byte) {
	dst := buf[1]
	if n.Joined() && dst == n.active.myAddress {
		n.handleDataPacket(buf[2:])
		return
	}
	row, found := n.routingTable.Route(dst)
	if !found {
		n.drop(packet.PKT_DATA_TO_DEVICE, metrics.DropUnroutable)
		return
	}
	n.coll.AddForwarded()
	n.driver.SendPacket(buf, row.Interface, row.MacAddress)
}

// handleDataPacket is the layer 4 dispatch: byte 0 is the command, the
// rest is its data.
func (n *Node) handleDataPacket(msg []byte) {
	command := msg[0]
	if command == DeviceInfoCommand && len(msg)-1 >= DeviceInfoLen {
		n.sendDeviceInfoCommand()
		return
	}
	n.coll.AddCommand()
	n.bus.Publish(eventBus.Event{
		Type:    eventBus.EventCommandReceived,
		Node:    n.cfg.Name,
		PktType: command,
	})
	if n.onCommand != nil {
		n.onCommand(command, msg[1:])
	}
}

// SendCommand emits a layer 4 command toward the base. Silent no-op when
// the device is not joined.
func (n *Node) SendCommand(command uint8, data []byte) {
	if n.active.toBase == nil {
		return
	}
	frame, err := packet.CreateDataToBase(n.active.myAddress, command, data)
	if err != nil {
		log.Printf("[mesh] node %s: %v", n.cfg.Name, err)
		return
	}
	n.coll.AddCommandSent()
	n.bus.Publish(eventBus.Event{
		Type:    eventBus.EventCommandSent,
		Node:    n.cfg.Name,
		PktType: command,
	})
	n.driver.SendPacket(frame, n.active.toBase.iface, n.active.toBase.mac)
}

// sendDeviceInfoCommand answers (or self-issues) command 0 with the
// deviceType and deviceUniqueId pair.
func (n *Node) sendDeviceInfoCommand() {
	body := make([]byte, DeviceInfoLen)
	binary.LittleEndian.PutUint32(body[0:4], n.cfg.DeviceType)
	binary.LittleEndian.PutUint32(body[4:8], n.cfg.DeviceUniqueID)
	n.SendCommand(DeviceInfoCommand, body)
}
