package node

import (
	"encoding/binary"
	"testing"

	"meshnet/internal/meshkey"
	"meshnet/internal/metrics"
	"meshnet/internal/packet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNetworkID  uint16 = 10101
	testNetworkKey uint32 = 80808
	testBaseNonce  uint32 = 0x11111122
	testChildNonce uint32 = 0x6B8B4567
)

type sentFrame struct {
	buf   []byte
	iface uint8
	mac   uint8
}

type fakeDriver struct {
	sent []sentFrame
}

func (d *fakeDriver) SendPacket(buf []byte, iface uint8, mac uint8) {
	frame := make([]byte, len(buf))
	copy(frame, buf)
	d.sent = append(d.sent, sentFrame{buf: frame, iface: iface, mac: mac})
}

func (d *fakeDriver) reset() {
	d.sent = nil
}

func newTestNode(t *testing.T, numInterfaces uint8) (*Node, *fakeDriver, *metrics.Collector) {
	t.Helper()
	drv := &fakeDriver{}
	coll := metrics.NewCollector()
	n := NewNode(Config{
		Name:           "dev",
		NetworkID:      testNetworkID,
		NetworkKey:     testNetworkKey,
		DeviceType:     7,
		DeviceUniqueID: 4242,
		NumInterfaces:  numInterfaces,
	}, drv, nil, coll)
	n.SetRandomSource(func() uint32 { return testChildNonce })
	return n, drv, coll
}

func beaconFrame(networkID uint16, nonce uint32) []byte {
	return (&packet.BeaconHeader{NetworkID: networkID, BaseNonce: nonce}).SerialiseBeacon()
}

func childResponseFrame(childNonce, baseNonce uint32) []byte {
	frame := (&packet.ChildResponseHeader{ChildNonce: childNonce}).SerialiseChildResponse()
	meshkey.Seal(meshkey.HmacSha1, meshkey.KeyToBase(baseNonce, testNetworkKey), frame)
	return frame
}

func assignFrame(childNonce, baseNonce uint32, address, maxRoute uint8) []byte {
	frame := (&packet.AssignAddressHeader{
		ChildNonce: childNonce,
		Address:    address,
		MaxRoute:   maxRoute,
	}).SerialiseAssignAddress()
	meshkey.Seal(meshkey.HmacSha1, meshkey.KeyToDevice(childNonce, baseNonce, testNetworkKey), frame)
	return frame
}

// feedBeacon runs S1: the device hears the wave from (0, mac 1).
func feedBeacon(n *Node) {
	n.ProcessIncomingPacket(beaconFrame(testNetworkID, testBaseNonce), 0, 1)
}

func TestLoneDeviceJoinsWave(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)

	beacon := beaconFrame(testNetworkID, testBaseNonce)
	n.ProcessIncomingPacket(beacon, 0, 1)

	require.Len(t, drv.sent, 2)

	// rebroadcast first, unchanged, to the broadcast mac
	assert.Equal(t, beacon, drv.sent[0].buf)
	assert.Equal(t, uint8(0), drv.sent[0].iface)
	assert.Equal(t, packet.BroadcastMAC, drv.sent[0].mac)

	// then the child response back to the parent
	resp := drv.sent[1]
	assert.Equal(t, uint8(0), resp.iface)
	assert.Equal(t, uint8(1), resp.mac)
	var cr packet.ChildResponseHeader
	require.NoError(t, cr.DeserialiseChildResponse(resp.buf))
	assert.Equal(t, testChildNonce, cr.ChildNonce)
	assert.True(t, meshkey.Verify(meshkey.HmacSha1,
		meshkey.KeyToBase(testBaseNonce, testNetworkKey), resp.buf))

	assert.False(t, n.Joined(), "no address assigned yet")
}

func TestBeaconRebroadcastOnEveryInterface(t *testing.T) {
	n, drv, _ := newTestNode(t, 3)

	feedBeacon(n)

	require.Len(t, drv.sent, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint8(i), drv.sent[i].iface)
		assert.Equal(t, packet.BroadcastMAC, drv.sent[i].mac)
	}
	assert.Equal(t, packet.PKT_CHILD_RESPONSE, packet.Type(drv.sent[3].buf))
}

func TestBeaconDedup(t *testing.T) {
	n, drv, coll := newTestNode(t, 1)

	feedBeacon(n)
	drv.reset()

	feedBeacon(n)
	assert.Empty(t, drv.sent, "duplicate wave must stay silent")
	assert.Equal(t, uint64(1), coll.Snapshot().DropsByReason[metrics.DropDuplicate])

	// a fresh nonce starts a new wave
	n.ProcessIncomingPacket(beaconFrame(testNetworkID, testBaseNonce+1), 0, 1)
	assert.Len(t, drv.sent, 2)
}

func TestForeignNetworkBeaconIgnored(t *testing.T) {
	n, drv, coll := newTestNode(t, 1)

	n.ProcessIncomingPacket(beaconFrame(999, testBaseNonce), 0, 1)

	assert.Empty(t, drv.sent)
	assert.False(t, n.Joined())
	assert.Equal(t, uint64(1), coll.Snapshot().DropsByReason[metrics.DropForeignNetwork])
}

func TestBroadcastSourceMacDropped(t *testing.T) {
	n, drv, coll := newTestNode(t, 1)

	n.ProcessIncomingPacket(beaconFrame(testNetworkID, testBaseNonce), 0, 0)

	assert.Empty(t, drv.sent)
	assert.Equal(t, uint64(1), coll.Snapshot().DropsByReason[metrics.DropInvalidSource])
}

func TestMalformedFramesDropped(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)
	drv.reset()

	// below minimum length
	n.ProcessIncomingPacket([]byte{0x02, 0x01}, 0, 1)
	// unknown type code
	n.ProcessIncomingPacket([]byte{0x0E, 0x01, 0x02}, 0, 1)
	// fixed-length mismatch on every handshake type
	n.ProcessIncomingPacket(append([]byte{0x02}, make([]byte, packet.BeaconLen)...), 0, 1)
	n.ProcessIncomingPacket(append([]byte{0x03}, make([]byte, 12)...), 0, 1)
	n.ProcessIncomingPacket(append([]byte{0x04}, make([]byte, 7)...), 0, 1)
	n.ProcessIncomingPacket(append([]byte{0x05}, make([]byte, 4)...), 0, 1)

	assert.Empty(t, drv.sent)
}

func TestSelfAssignmentPromotes(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)
	drv.reset()

	n.ProcessIncomingPacket(assignFrame(testChildNonce, testBaseNonce, 100, 100), 0, 1)

	assert.True(t, n.Joined())
	assert.Equal(t, uint8(100), n.Address())

	// exactly one DataToBase with command 0 and the 8-byte device info body
	require.Len(t, drv.sent, 1)
	info := drv.sent[0]
	assert.Equal(t, uint8(0), info.iface)
	assert.Equal(t, uint8(1), info.mac)
	require.Len(t, info.buf, 3+DeviceInfoLen)
	assert.Equal(t, packet.PKT_DATA_TO_BASE, packet.Type(info.buf))
	assert.Equal(t, uint8(100), info.buf[1])
	assert.Equal(t, DeviceInfoCommand, info.buf[2])
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(info.buf[3:7]))
	assert.Equal(t, uint32(4242), binary.LittleEndian.Uint32(info.buf[7:11]))
}

func TestAssignAddressForgedHmacIgnored(t *testing.T) {
	n, drv, coll := newTestNode(t, 1)
	feedBeacon(n)
	drv.reset()

	frame := assignFrame(testChildNonce, testBaseNonce, 100, 100)
	frame[len(frame)-1] ^= 0x01
	n.ProcessIncomingPacket(frame, 0, 1)

	assert.False(t, n.Joined())
	assert.Empty(t, drv.sent)
	assert.Equal(t, uint64(1), coll.Snapshot().DropsByReason[metrics.DropBadHmac])
}

func TestChildRegistration(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)
	drv.reset()

	n.ProcessIncomingPacket(childResponseFrame(2, testBaseNonce), 0, 2)

	assert.Equal(t, 1, n.ChildTableLen())
	require.Len(t, drv.sent, 1)
	resp := drv.sent[0]
	assert.Equal(t, uint8(0), resp.iface)
	assert.Equal(t, uint8(1), resp.mac, "parent response goes up the tree")

	var pr packet.ParentResponseHeader
	require.NoError(t, pr.DeserialiseParentResponse(resp.buf))
	assert.Equal(t, uint32(2), pr.ChildNonce)
	assert.Equal(t, testChildNonce, pr.ParentNonce)
	assert.True(t, meshkey.Verify(meshkey.HmacSha1,
		meshkey.KeyToBase(testBaseNonce, testNetworkKey), resp.buf))
}

func TestChildResponseForgedHmacIgnored(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)
	drv.reset()

	frame := childResponseFrame(2, testBaseNonce)
	frame[5] ^= 0x80
	n.ProcessIncomingPacket(frame, 0, 2)

	assert.Zero(t, n.ChildTableLen())
	assert.Empty(t, drv.sent)
}

func TestChildTableCapacity(t *testing.T) {
	n, drv, coll := newTestNode(t, 1)
	feedBeacon(n)
	drv.reset()

	for i := uint32(0); i < 5; i++ {
		n.ProcessIncomingPacket(childResponseFrame(100+i, testBaseNonce), 0, uint8(10+i))
	}
	require.Len(t, drv.sent, 5)
	drv.reset()

	// the sixth distinct child draws no parent response
	n.ProcessIncomingPacket(childResponseFrame(200, testBaseNonce), 0, 20)
	assert.Empty(t, drv.sent)
	assert.Equal(t, 5, n.ChildTableLen())
	assert.Equal(t, uint64(1), coll.Snapshot().DropsByReason[metrics.DropTableFull])
}

func TestAddressingChild(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)
	n.ProcessIncomingPacket(childResponseFrame(2, testBaseNonce), 0, 2)
	drv.reset()

	frame := assignFrame(2, testBaseNonce, 101, 120)
	n.ProcessIncomingPacket(frame, 0, 1)

	assert.Zero(t, n.ChildTableLen(), "child row consumed")
	rows := n.RoutingTableRows()
	require.Len(t, rows, 1)
	assert.Equal(t, uint8(101), rows[0].Address)
	assert.Equal(t, uint8(120), rows[0].MaxRoute)
	assert.Equal(t, uint8(0), rows[0].Interface)
	assert.Equal(t, uint8(2), rows[0].MacAddress)

	// the frame is relayed unchanged to that child
	require.Len(t, drv.sent, 1)
	assert.Equal(t, frame, drv.sent[0].buf)
	assert.Equal(t, uint8(2), drv.sent[0].mac)
}

func TestAssignAddressTreeRoutedForGrandchild(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)
	n.ProcessIncomingPacket(childResponseFrame(2, testBaseNonce), 0, 2)
	n.ProcessIncomingPacket(assignFrame(2, testBaseNonce, 101, 120), 0, 1)
	drv.reset()

	// nonce 77 is unknown here, but its address falls in the child's range
	frame := assignFrame(77, testBaseNonce, 110, 115)
	n.ProcessIncomingPacket(frame, 0, 1)

	require.Len(t, drv.sent, 1)
	assert.Equal(t, frame, drv.sent[0].buf)
	assert.Equal(t, uint8(2), drv.sent[0].mac)
	assert.Len(t, n.RoutingTableRows(), 1, "relay does not grow the table")
}

func TestTreeRoutingDataFrame(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)
	n.ProcessIncomingPacket(childResponseFrame(2, testBaseNonce), 0, 2)
	n.ProcessIncomingPacket(assignFrame(2, testBaseNonce, 101, 120), 0, 1)
	drv.reset()

	frame, err := packet.CreateDataToDevice(115, 7, []byte("hi"))
	require.NoError(t, err)
	n.ProcessIncomingPacket(frame, 0, 1)

	require.Len(t, drv.sent, 1)
	assert.Equal(t, frame, drv.sent[0].buf)
	assert.Equal(t, uint8(0), drv.sent[0].iface)
	assert.Equal(t, uint8(2), drv.sent[0].mac)
}

func TestUnknownDestinationDropped(t *testing.T) {
	n, drv, coll := newTestNode(t, 1)
	feedBeacon(n)
	drv.reset()

	frame, err := packet.CreateDataToDevice(200, 7, nil)
	require.NoError(t, err)
	n.ProcessIncomingPacket(frame, 0, 1)

	assert.Empty(t, drv.sent)
	assert.Equal(t, uint64(1), coll.Snapshot().DropsByReason[metrics.DropUnroutable])
}

func TestDataToBaseForwarding(t *testing.T) {
	n, drv, coll := newTestNode(t, 1)

	frame, err := packet.CreateDataToBase(115, 7, []byte("up"))
	require.NoError(t, err)

	// unjoined: no route to base, silent drop
	n.ProcessIncomingPacket(frame, 0, 3)
	assert.Empty(t, drv.sent)
	assert.Equal(t, uint64(1), coll.Snapshot().DropsByReason[metrics.DropUnroutable])

	feedBeacon(n)
	n.ProcessIncomingPacket(assignFrame(testChildNonce, testBaseNonce, 100, 120), 0, 1)
	drv.reset()

	n.ProcessIncomingPacket(frame, 0, 3)
	require.Len(t, drv.sent, 1)
	assert.Equal(t, frame, drv.sent[0].buf)
	assert.Equal(t, uint8(1), drv.sent[0].mac)
}

func TestParentResponseRelayedUpward(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)
	drv.reset()

	frame := (&packet.ParentResponseHeader{ChildNonce: 5, ParentNonce: 6, Hmac: 0xBAD}).SerialiseParentResponse()
	n.ProcessIncomingPacket(frame, 0, 2)

	// relayed unchanged and unverified; the base checks it end to end
	require.Len(t, drv.sent, 1)
	assert.Equal(t, frame, drv.sent[0].buf)
	assert.Equal(t, uint8(1), drv.sent[0].mac)
}

func joinNode(t *testing.T, n *Node, drv *fakeDriver) {
	t.Helper()
	feedBeacon(n)
	n.ProcessIncomingPacket(assignFrame(testChildNonce, testBaseNonce, 100, 100), 0, 1)
	require.True(t, n.Joined())
	drv.reset()
}

func TestCommandZeroRoundTrip(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	joinNode(t, n, drv)

	body := make([]byte, DeviceInfoLen)
	frame, err := packet.CreateDataToDevice(100, DeviceInfoCommand, body)
	require.NoError(t, err)

	// idempotent: each reception draws one fresh reply
	n.ProcessIncomingPacket(frame, 0, 1)
	n.ProcessIncomingPacket(frame, 0, 1)

	require.Len(t, drv.sent, 2)
	for _, f := range drv.sent {
		assert.Equal(t, packet.PKT_DATA_TO_BASE, packet.Type(f.buf))
		assert.Equal(t, DeviceInfoCommand, f.buf[2])
		assert.Len(t, f.buf, 3+DeviceInfoLen)
	}
}

func TestShortCommandZeroGoesToHandler(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	joinNode(t, n, drv)

	var gotCmd uint8 = 0xFF
	var gotData []byte
	n.SetCommandHandler(func(command uint8, data []byte) {
		gotCmd = command
		gotData = data
	})

	frame, err := packet.CreateDataToDevice(100, DeviceInfoCommand, []byte{1, 2})
	require.NoError(t, err)
	n.ProcessIncomingPacket(frame, 0, 1)

	assert.Empty(t, drv.sent)
	assert.Equal(t, DeviceInfoCommand, gotCmd)
	assert.Equal(t, []byte{1, 2}, gotData)
}

func TestCommandDispatchToApplication(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	joinNode(t, n, drv)

	var gotCmd uint8
	var gotData []byte
	n.SetCommandHandler(func(command uint8, data []byte) {
		gotCmd = command
		gotData = data
	})

	frame, err := packet.CreateDataToDevice(100, 9, []byte("payload"))
	require.NoError(t, err)
	n.ProcessIncomingPacket(frame, 0, 1)

	assert.Equal(t, uint8(9), gotCmd)
	assert.Equal(t, []byte("payload"), gotData)
	assert.Empty(t, drv.sent)
}

func TestSendCommand(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)

	// unjoined: silent no-op
	n.SendCommand(7, []byte("x"))
	assert.Empty(t, drv.sent)

	joinNode(t, n, drv)
	n.SendCommand(7, []byte("x"))
	require.Len(t, drv.sent, 1)
	assert.Equal(t, []byte{0x00, 100, 7, 'x'}, drv.sent[0].buf)
}

func TestRejoinNewWave(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	joinNode(t, n, drv)

	// second wave through a different parent
	secondNonce := testBaseNonce + 1
	n.ProcessIncomingPacket(beaconFrame(testNetworkID, secondNonce), 0, 9)
	require.Len(t, drv.sent, 2)
	drv.reset()

	// still joined under the old configuration until the new assignment
	assert.True(t, n.Joined())
	assert.Equal(t, uint8(100), n.Address())

	n.ProcessIncomingPacket(assignFrame(testChildNonce, secondNonce, 55, 60), 0, 9)
	assert.Equal(t, uint8(55), n.Address())

	// traffic to base now flows via the new parent
	drv.reset()
	frame, _ := packet.CreateDataToBase(55, 1, nil)
	n.ProcessIncomingPacket(frame, 0, 3)
	require.Len(t, drv.sent, 1)
	assert.Equal(t, uint8(9), drv.sent[0].mac)
}

func TestRoutingTableIntervalsStayDisjoint(t *testing.T) {
	n, drv, _ := newTestNode(t, 1)
	feedBeacon(n)

	// register and address several children, including hostile overlaps
	assigns := []struct {
		nonce    uint32
		mac      uint8
		addr     uint8
		maxRoute uint8
	}{
		{11, 2, 101, 110},
		{12, 3, 111, 120},
		{13, 4, 105, 130}, // overlaps both, must be refused
		{14, 5, 121, 121},
	}
	for _, a := range assigns {
		n.ProcessIncomingPacket(childResponseFrame(a.nonce, testBaseNonce), 0, a.mac)
		n.ProcessIncomingPacket(assignFrame(a.nonce, testBaseNonce, a.addr, a.maxRoute), 0, 1)
	}
	drv.reset()

	rows := n.RoutingTableRows()
	for i := range rows {
		for j := range rows {
			if i == j {
				continue
			}
			disjoint := rows[i].MaxRoute < rows[j].Address || rows[j].MaxRoute < rows[i].Address
			assert.True(t, disjoint, "rows %v and %v overlap", rows[i], rows[j])
		}
	}
}
