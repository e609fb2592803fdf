package protocol

// Control event packet: [1B type][4B slot1][4B slot2][4B slot3][4B slot4],
// slots little-endian int32.
const EventSize = 17

// Video unit header: [4B payload_length big-endian]
const VideoHeaderSize = 4

// Maximum video unit size (16 MB). Larger declared lengths are rejected
// before allocation.
const MaxUnitSize = 16 * 1024 * 1024

// EventType identifies the variant of a control event packet.
type EventType byte

const (
	EventMouse EventType = 0x01
	EventKey   EventType = 0x02
	EventPing  EventType = 0x04
)

func (t EventType) String() string {
	switch t {
	case EventMouse:
		return "mouse"
	case EventKey:
		return "key"
	case EventPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Action codes carried in the action slot of mouse and key events.
const (
	ActionUp   int32 = 0
	ActionDown int32 = 1
	ActionMove int32 = 2
)

// Discovery payloads (UDP, raw ASCII, no terminator).
const (
	DiscoveryRequest  = "SMARTCONTROLX_DISCOVERY_REQUEST"
	DiscoveryResponse = "SMARTCONTROLX_DISCOVERY_RESPONSE"
)

// PinPrefix starts the host's pairing challenge ("PIN:4821").
const PinPrefix = "PIN:"

// Default host ports.
const (
	DefaultVideoPort     = 8000
	DefaultControlPort   = 8001
	DefaultDiscoveryPort = 8002
)
