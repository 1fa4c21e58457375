package codec

import "fmt"

// CameraID identifies a camera for its whole lifetime. Values come from the
// topology, never from this package.
type CameraID int64

// MessageType is the transport-level framing of a raw message.
type MessageType int

const (
	// TextMessage carries UTF-8 JSON (topology changes, JSON image containers)
	TextMessage MessageType = iota + 1
	// BinaryMessage carries the binary image envelope
	BinaryMessage
)

// String returns the framing name
func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ChangeKind is the kind of a topology change.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Removed
	Updated
)

// String returns the wire key for the kind
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "Added"
	case Removed:
		return "Removed"
	case Updated:
		return "Updated"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Event is a decoded inbound message: either an ImageFrame or a TopologyChange.
type Event interface {
	// Target returns the camera the event refers to
	Target() CameraID
	isEvent()
}

// ImageFrame is one encoded image captured by a camera.
type ImageFrame struct {
	Camera    CameraID
	Timestamp int64
	Bytes     []byte
}

// Target implements Event
func (f ImageFrame) Target() CameraID { return f.Camera }

func (ImageFrame) isEvent() {}

// TopologyChange reports that a camera was added, removed or updated.
type TopologyChange struct {
	Kind   ChangeKind
	Camera CameraID
}

// Target implements Event
func (c TopologyChange) Target() CameraID { return c.Camera }

func (TopologyChange) isEvent() {}
