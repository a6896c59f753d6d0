package mqtt

// DeviceRegistration is the JSON payload on the registration topic for
// attaching or detaching a physical device.
type DeviceRegistration struct {
	DeviceID string `json:"device_id"`
	Event    string `json:"event"` // register | remove
	Iface    uint8  `json:"iface"`
	Segment  string `json:"segment"`
	Mac      uint8  `json:"mac"`
}

// FrameEnvelope carries one raw layer 3 frame between a physical device
// and the simulated medium. Encoded with msgpack on the rx/tx topics to
// keep the broker payloads compact and byte-exact.
type FrameEnvelope struct {
	Iface   uint8  `msgpack:"iface"`
	Mac     uint8  `msgpack:"mac"`
	Payload []byte `msgpack:"payload"`
}
