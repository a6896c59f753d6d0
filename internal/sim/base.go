package sim

import (
	"log"
	"sort"

	"meshnet/internal/meshkey"
	"meshnet/internal/node"
	"meshnet/internal/packet"
	"meshnet/internal/routing"
)

// StartAddress is the first layer 3 address the scripted base hands out.
// The base implicitly owns everything below it.
const StartAddress uint8 = 100

// Base is a scripted stand-in for the real base station, enough to drive
// device handshakes end to end: it originates beacon waves, assembles the
// tree from child/parent responses, allocates contiguous address ranges
// and assigns them in BFS order. Real base-side logic (CSkip allocation,
// persistence, device management) lives outside this repo.
type Base struct {
	name       string
	networkID  uint16
	networkKey uint32
	driver     node.IDriver
	hmac       meshkey.HmacFunc

	baseNonce uint32
	waveLive  bool

	directChildren map[uint32]childLink // childNonce -> layer 2 link
	edges          map[uint32]uint32    // childNonce -> parentNonce
	arrival        []uint32             // nonces in first-heard order

	addrOf map[uint32]uint8 // assigned addresses after AssignAddresses
	routes *routing.RoutingTable

	dataFrames [][]byte // upward data frames, kept for inspection
}

type childLink struct {
	iface uint8
	mac   uint8
}

func NewBase(name string, networkID uint16, networkKey uint32, driver node.IDriver) *Base {
	return &Base{
		name:           name,
		networkID:      networkID,
		networkKey:     networkKey,
		driver:         driver,
		hmac:           meshkey.HmacSha1,
		directChildren: make(map[uint32]childLink),
		edges:          make(map[uint32]uint32),
		addrOf:         make(map[uint32]uint8),
		routes:         routing.NewRoutingTable(),
	}
}

func (b *Base) Name() string {
	return b.name
}

// SetHmacFunc replaces the HMAC primitive, mainly for tests.
func (b *Base) SetHmacFunc(f meshkey.HmacFunc) {
	b.hmac = f
}

// StartWave begins a fresh beacon wave under the given nonce, discarding
// any tree assembled for the previous one.
func (b *Base) StartWave(nonce uint32) {
	b.baseNonce = nonce
	b.waveLive = true
	b.directChildren = make(map[uint32]childLink)
	b.edges = make(map[uint32]uint32)
	b.arrival = b.arrival[:0]
	b.addrOf = make(map[uint32]uint8)
	b.routes.Reset()

	beacon := packet.BeaconHeader{NetworkID: b.networkID, BaseNonce: nonce}
	log.Printf("[base] %s: beacon wave %08x", b.name, nonce)
	b.driver.SendPacket(beacon.SerialiseBeacon(), 0, packet.BroadcastMAC)
}

// ProcessIncomingPacket consumes the upward handshake traffic. A child
// response can only come from a direct child; deeper devices are learned
// through relayed parent responses.
func (b *Base) ProcessIncomingPacket(buf []byte, iface uint8, mac uint8) {
	if len(buf) < packet.MinPacketLen || mac == packet.BroadcastMAC {
		return
	}
	key := meshkey.KeyToBase(b.baseNonce, b.networkKey)

	switch packet.Type(buf) {
	case packet.PKT_CHILD_RESPONSE:
		var resp packet.ChildResponseHeader
		if !b.waveLive || resp.DeserialiseChildResponse(buf) != nil || !meshkey.Verify(b.hmac, key, buf) {
			return
		}
		if _, seen := b.directChildren[resp.ChildNonce]; !seen {
			b.directChildren[resp.ChildNonce] = childLink{iface: iface, mac: mac}
			b.arrival = append(b.arrival, resp.ChildNonce)
		}
	case packet.PKT_PARENT_RESPONSE:
		var resp packet.ParentResponseHeader
		if !b.waveLive || resp.DeserialiseParentResponse(buf) != nil || !meshkey.Verify(b.hmac, key, buf) {
			return
		}
		if _, seen := b.edges[resp.ChildNonce]; !seen {
			b.edges[resp.ChildNonce] = resp.ParentNonce
			b.arrival = append(b.arrival, resp.ChildNonce)
		}
	case packet.PKT_DATA_TO_BASE:
		frame := make([]byte, len(buf))
		copy(frame, buf)
		b.dataFrames = append(b.dataFrames, frame)
		log.Printf("[base] %s: data from address %d command %d (%d B)", b.name, buf[1], buf[2], len(buf)-3)
	}
}

// DataFrames returns the upward data frames the base has received.
func (b *Base) DataFrames() [][]byte {
	return b.dataFrames
}

// AssignAddresses closes the wave: walks the assembled tree, allocates
// each node a contiguous [address, maxRoute] range covering its subtree,
// and emits the AssignAddress frames level by level, parents before
// children.
func (b *Base) AssignAddresses() {
	children := make(map[uint32][]uint32)
	for child, parent := range b.edges {
		if _, direct := b.directChildren[child]; direct {
			// A level 1 node also shows up in someone's parent response
			// when segments overlap; direct attachment wins.
			continue
		}
		children[parent] = append(children[parent], child)
	}
	for p := range children {
		sort.Slice(children[p], func(i, j int) bool {
			return b.arrivalIndex(children[p][i]) < b.arrivalIndex(children[p][j])
		})
	}

	roots := make([]uint32, 0, len(b.directChildren))
	for nonce := range b.directChildren {
		roots = append(roots, nonce)
	}
	sort.Slice(roots, func(i, j int) bool {
		return b.arrivalIndex(roots[i]) < b.arrivalIndex(roots[j])
	})

	maxOf := make(map[uint32]uint8)
	cursor := StartAddress
	var place func(nonce uint32)
	place = func(nonce uint32) {
		b.addrOf[nonce] = cursor
		cursor++
		for _, c := range children[nonce] {
			place(c)
		}
		maxOf[nonce] = cursor - 1
	}
	for _, r := range roots {
		place(r)
	}

	for _, r := range roots {
		link := b.directChildren[r]
		b.routes.Add(routing.RoutingTableRow{
			Address:    b.addrOf[r],
			MaxRoute:   maxOf[r],
			Interface:  link.iface,
			MacAddress: link.mac,
		})
	}

	// BFS emission order: a device must already be addressed when the
	// assignments for its children pass through it.
	level := roots
	for len(level) > 0 {
		var next []uint32
		for _, nonce := range level {
			b.sendAssign(nonce, b.addrOf[nonce], maxOf[nonce])
			next = append(next, children[nonce]...)
		}
		level = next
	}
	b.waveLive = false
	log.Printf("[base] %s: wave %08x closed, %d devices addressed", b.name, b.baseNonce, len(b.addrOf))
}

func (b *Base) arrivalIndex(nonce uint32) int {
	for i, n := range b.arrival {
		if n == nonce {
			return i
		}
	}
	return len(b.arrival)
}

func (b *Base) sendAssign(nonce uint32, address, maxRoute uint8) {
	frame := (&packet.AssignAddressHeader{
		ChildNonce: nonce,
		Address:    address,
		MaxRoute:   maxRoute,
	}).SerialiseAssignAddress()
	meshkey.Seal(b.hmac, meshkey.KeyToDevice(nonce, b.baseNonce, b.networkKey), frame)

	if link, direct := b.directChildren[nonce]; direct {
		b.driver.SendPacket(frame, link.iface, link.mac)
		return
	}
	if row, ok := b.routes.Route(address); ok {
		b.driver.SendPacket(frame, row.Interface, row.MacAddress)
	}
}

// Addresses lists the assigned (nonce, address) pairs of the closed wave.
func (b *Base) Addresses() map[uint32]uint8 {
	out := make(map[uint32]uint8, len(b.addrOf))
	for n, a := range b.addrOf {
		out[n] = a
	}
	return out
}

// SendCommandTo sends a layer 4 command down the tree to an addressed
// device.
func (b *Base) SendCommandTo(address uint8, command uint8, data []byte) {
	frame, err := packet.CreateDataToDevice(address, command, data)
	if err != nil {
		log.Printf("[base] %s: %v", b.name, err)
		return
	}
	row, ok := b.routes.Route(address)
	if !ok {
		log.Printf("[base] %s: no route for address %d", b.name, address)
		return
	}
	b.driver.SendPacket(frame, row.Interface, row.MacAddress)
}
