package meshkey

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"

	"meshnet/internal/packet"
)

// HmacFunc is the HMAC-SHA1 primitive. It is injected so tests and
// alternative crypto modules can substitute their own.
type HmacFunc func(key, msg []byte) [20]byte

// HmacSha1 is the default primitive built on crypto/hmac.
func HmacSha1(key, msg []byte) [20]byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	var out [20]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// KeyToBase is baseNonce||networkKey, used by device->base handshake frames.
func KeyToBase(baseNonce, networkKey uint32) []byte {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint32(key[0:4], baseNonce)
	binary.LittleEndian.PutUint32(key[4:8], networkKey)
	return key
}

// KeyToDevice is childNonce||baseNonce||networkKey, used by the base to
// address a specific child.
func KeyToDevice(childNonce, baseNonce, networkKey uint32) []byte {
	key := make([]byte, 12)
	binary.LittleEndian.PutUint32(key[0:4], childNonce)
	binary.LittleEndian.PutUint32(key[4:8], baseNonce)
	binary.LittleEndian.PutUint32(key[8:12], networkKey)
	return key
}

// Tag computes the truncated 32-bit tag of a frame: HMAC over the frame
// bytes excluding the trailing tag, low 4 bytes of the digest read LE.
func Tag(h HmacFunc, key, frame []byte) uint32 {
	sum := h(key, frame[:len(frame)-packet.HmacLen])
	return binary.LittleEndian.Uint32(sum[0:4])
}

// Verify recomputes the tag of a received frame and compares it against
// the trailing tag bytes.
func Verify(h HmacFunc, key, frame []byte) bool {
	return Tag(h, key, frame) == packet.Hmac(frame)
}

// Seal computes the tag and writes it into the frame's trailing bytes.
func Seal(h HmacFunc, key, frame []byte) {
	packet.SetHmac(frame, Tag(h, key, frame))
}
