package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeaconRoundTrip(t *testing.T) {
	b := BeaconHeader{NetworkID: 10101, BaseNonce: 0x11111122}
	buf := b.SerialiseBeacon()
	require.Len(t, buf, BeaconLen)

	// bit-exact little-endian layout
	assert.Equal(t, []byte{0x02, 0x75, 0x27, 0x22, 0x11, 0x11, 0x11}, buf)

	var out BeaconHeader
	require.NoError(t, out.DeserialiseBeacon(buf))
	assert.Equal(t, b, out)
}

func TestChildResponseLayout(t *testing.T) {
	c := ChildResponseHeader{ChildNonce: 0x04030201, Hmac: 0x08070605}
	buf := c.SerialiseChildResponse()
	require.Len(t, buf, ChildResponseLen)
	assert.Equal(t, []byte{0x03, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, buf)

	var out ChildResponseHeader
	require.NoError(t, out.DeserialiseChildResponse(buf))
	assert.Equal(t, c, out)
}

func TestParentResponseLayout(t *testing.T) {
	p := ParentResponseHeader{ChildNonce: 2, ParentNonce: 3, Hmac: 4}
	buf := p.SerialiseParentResponse()
	require.Len(t, buf, ParentResponseLen)

	var out ParentResponseHeader
	require.NoError(t, out.DeserialiseParentResponse(buf))
	assert.Equal(t, p, out)
}

func TestAssignAddressLayout(t *testing.T) {
	a := AssignAddressHeader{ChildNonce: 0x6B8B4567, Address: 100, MaxRoute: 120, Hmac: 0x64}
	buf := a.SerialiseAssignAddress()
	require.Len(t, buf, AssignAddressLen)
	assert.Equal(t, []byte{0x05, 0x67, 0x45, 0x8B, 0x6B, 100, 120, 0x64, 0x00, 0x00, 0x00}, buf)

	var out AssignAddressHeader
	require.NoError(t, out.DeserialiseAssignAddress(buf))
	assert.Equal(t, a, out)
}

func TestFixedLengthMismatch(t *testing.T) {
	var b BeaconHeader
	assert.Error(t, b.DeserialiseBeacon(make([]byte, BeaconLen-1)))
	assert.Error(t, b.DeserialiseBeacon(make([]byte, BeaconLen+1)))

	var c ChildResponseHeader
	assert.Error(t, c.DeserialiseChildResponse(make([]byte, 3)))

	var p ParentResponseHeader
	assert.Error(t, p.DeserialiseParentResponse(make([]byte, ParentResponseLen-1)))

	var a AssignAddressHeader
	assert.Error(t, a.DeserialiseAssignAddress(make([]byte, AssignAddressLen+2)))
}

func TestTypeIgnoresHighNibble(t *testing.T) {
	assert.Equal(t, PKT_BEACON, Type([]byte{0xF2}))
	assert.Equal(t, PKT_DATA_TO_BASE, Type([]byte{0x30}))
}

func TestHmacAccessors(t *testing.T) {
	buf := make([]byte, ChildResponseLen)
	SetHmac(buf, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), Hmac(buf))
}

func TestCreateDataFrames(t *testing.T) {
	buf, err := CreateDataToBase(100, 7, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 100, 7, 0xAA, 0xBB}, buf)

	buf, err = CreateDataToDevice(115, 9, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 115, 9}, buf)

	_, err = CreateDataToBase(1, 0, make([]byte, MaxPacketSize))
	assert.Error(t, err)
}
