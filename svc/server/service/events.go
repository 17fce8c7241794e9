package service

import (
	"time"

	"github.com/atriumworld/atrium/pkg/palette"
	"github.com/atriumworld/atrium/pkg/protocol"
)

const (
	EventJoin  = "join"
	EventMove  = "move"
	EventLeave = "leave"
)

// Event is one thing that happened in the room, published for journals and
// other observers outside the hot path.
type Event struct {
	At       time.Time      `cbor:"at"`
	Kind     string         `cbor:"kind"`
	Session  string         `cbor:"session"`
	Position *protocol.Vec3 `cbor:"position,omitempty"`
	Rotation *protocol.Vec3 `cbor:"rotation,omitempty"`
	Color    *palette.Color `cbor:"color,omitempty"`
}
