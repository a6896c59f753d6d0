package packet

import (
	"encoding/binary"
	"fmt"
)

// Layer 3 packet types (low nibble of byte 0, high nibble reserved)
const (
	PKT_DATA_TO_BASE    uint8 = 0x00
	PKT_DATA_TO_DEVICE  uint8 = 0x01
	PKT_BEACON          uint8 = 0x02
	PKT_CHILD_RESPONSE  uint8 = 0x03
	PKT_PARENT_RESPONSE uint8 = 0x04
	PKT_ASSIGN_ADDRESS  uint8 = 0x05
)

const (
	MaxPacketSize = 255 // len travels as a single byte

	MinPacketLen = 3

	BeaconLen         = 7
	ChildResponseLen  = 9
	ParentResponseLen = 13
	AssignAddressLen  = 11

	// HMAC-carrying frames end with a 4 byte truncated tag
	HmacLen = 4

	BroadcastMAC uint8 = 0 // valid on transmit only
)

// Type extracts the packet type from byte 0. The high nibble is reserved
// and ignored on receive.
func Type(buf []byte) uint8 {
	return buf[0] & 0x0F
}

type BeaconHeader struct {
	NetworkID uint16
	BaseNonce uint32
}

type ChildResponseHeader struct {
	ChildNonce uint32
	Hmac       uint32
}

type ParentResponseHeader struct {
	ChildNonce  uint32
	ParentNonce uint32
	Hmac        uint32
}

type AssignAddressHeader struct {
	ChildNonce uint32
	Address    uint8
	MaxRoute   uint8
	Hmac       uint32
}

func (b *BeaconHeader) SerialiseBeacon() []byte {
	buf := make([]byte, BeaconLen)
	buf[0] = PKT_BEACON
	binary.LittleEndian.PutUint16(buf[1:3], b.NetworkID)
	binary.LittleEndian.PutUint32(buf[3:7], b.BaseNonce)
	return buf
}

func (b *BeaconHeader) DeserialiseBeacon(buf []byte) error {
	if len(buf) != BeaconLen {
		return fmt.Errorf("beacon length %d, want %d", len(buf), BeaconLen)
	}
	b.NetworkID = binary.LittleEndian.Uint16(buf[1:3])
	b.BaseNonce = binary.LittleEndian.Uint32(buf[3:7])
	return nil
}

func (c *ChildResponseHeader) SerialiseChildResponse() []byte {
	buf := make([]byte, ChildResponseLen)
	buf[0] = PKT_CHILD_RESPONSE
	binary.LittleEndian.PutUint32(buf[1:5], c.ChildNonce)
	binary.LittleEndian.PutUint32(buf[5:9], c.Hmac)
	return buf
}

func (c *ChildResponseHeader) DeserialiseChildResponse(buf []byte) error {
	if len(buf) != ChildResponseLen {
		return fmt.Errorf("child response length %d, want %d", len(buf), ChildResponseLen)
	}
	c.ChildNonce = binary.LittleEndian.Uint32(buf[1:5])
	c.Hmac = binary.LittleEndian.Uint32(buf[5:9])
	return nil
}

func (p *ParentResponseHeader) SerialiseParentResponse() []byte {
	buf := make([]byte, ParentResponseLen)
	buf[0] = PKT_PARENT_RESPONSE
	binary.LittleEndian.PutUint32(buf[1:5], p.ChildNonce)
	binary.LittleEndian.PutUint32(buf[5:9], p.ParentNonce)
	binary.LittleEndian.PutUint32(buf[9:13], p.Hmac)
	return buf
}

func (p *ParentResponseHeader) DeserialiseParentResponse(buf []byte) error {
	if len(buf) != ParentResponseLen {
		return fmt.Errorf("parent response length %d, want %d", len(buf), ParentResponseLen)
	}
	p.ChildNonce = binary.LittleEndian.Uint32(buf[1:5])
	p.ParentNonce = binary.LittleEndian.Uint32(buf[5:9])
	p.Hmac = binary.LittleEndian.Uint32(buf[9:13])
	return nil
}

func (a *AssignAddressHeader) SerialiseAssignAddress() []byte {
	buf := make([]byte, AssignAddressLen)
	buf[0] = PKT_ASSIGN_ADDRESS
	binary.LittleEndian.PutUint32(buf[1:5], a.ChildNonce)
	buf[5] = a.Address
	buf[6] = a.MaxRoute
	binary.LittleEndian.PutUint32(buf[7:11], a.Hmac)
	return buf
}

func (a *AssignAddressHeader) DeserialiseAssignAddress(buf []byte) error {
	if len(buf) != AssignAddressLen {
		return fmt.Errorf("assign address length %d, want %d", len(buf), AssignAddressLen)
	}
	a.ChildNonce = binary.LittleEndian.Uint32(buf[1:5])
	a.Address = buf[5]
	a.MaxRoute = buf[6]
	a.Hmac = binary.LittleEndian.Uint32(buf[7:11])
	return nil
}

// SetHmac overwrites the trailing tag bytes of an HMAC-carrying frame.
func SetHmac(buf []byte, tag uint32) {
	binary.LittleEndian.PutUint32(buf[len(buf)-HmacLen:], tag)
}

// Hmac reads the trailing tag bytes of an HMAC-carrying frame.
func Hmac(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[len(buf)-HmacLen:])
}

// CreateDataToBase builds (type, srcAddr, command, data...).
func CreateDataToBase(srcAddr, command uint8, data []byte) ([]byte, error) {
	total := MinPacketLen + len(data)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("data to base packet too big (%d B)", total)
	}
	buf := make([]byte, total)
	buf[0] = PKT_DATA_TO_BASE
	buf[1] = srcAddr
	buf[2] = command
	copy(buf[3:], data)
	return buf, nil
}

// CreateDataToDevice builds (type, dstAddr, command, data...).
func CreateDataToDevice(dstAddr, command uint8, data []byte) ([]byte, error) {
	total := MinPacketLen + len(data)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("data to device packet too big (%d B)", total)
	}
	buf := make([]byte, total)
	buf[0] = PKT_DATA_TO_DEVICE
	buf[1] = dstAddr
	buf[2] = command
	copy(buf[3:], data)
	return buf, nil
}
