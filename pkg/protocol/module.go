package protocol

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/atriumworld/atrium/pkg/palette"
)

const (
	// client -> server
	JoinOp int = iota
	PositionOp

	// server -> client
	JoinedOp
	RosterOp
	PeerJoinedOp
	PeerMovedOp
	PeerLeftOp
	DiagnosticsOp
	ErrorOp
)

// Error codes carried by Error payloads.
const (
	ErrorRateLimited      = "rate_limited"
	ErrorJoinTimeout      = "join_timeout"
	ErrorDuplicateSession = "duplicate_session"
	ErrorJoinFailed       = "join_failed"
)

// Vec3 is a position or Euler rotation in world space.
type Vec3 struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
}

// GenericMessage peels the op tag off a frame before the concrete type is
// known.
type GenericMessage struct {
	Op int `json:"op" cbor:"op"`
}

// Join asks to enter the room. Position, rotation and color are all
// optional; a missing or unusable color is replaced by an allocated one.
type Join struct {
	Op       int            `json:"op" cbor:"op"`
	Position *Vec3          `json:"position,omitempty" cbor:"position,omitempty"`
	Rotation *Vec3          `json:"rotation,omitempty" cbor:"rotation,omitempty"`
	Color    *palette.Color `json:"color,omitempty" cbor:"color,omitempty"`
}

// PositionUpdate reports the sender's new transform. Values are relayed
// as-is.
type PositionUpdate struct {
	Op       int  `json:"op" cbor:"op"`
	Position Vec3 `json:"position" cbor:"position"`
	Rotation Vec3 `json:"rotation" cbor:"rotation"`
}

// SessionState is one participant as peers see it.
type SessionState struct {
	ID       string        `json:"id" cbor:"id"`
	Position Vec3          `json:"position" cbor:"position"`
	Rotation Vec3          `json:"rotation" cbor:"rotation"`
	Color    palette.Color `json:"color" cbor:"color"`
}

// Joined confirms a join to the requester.
type Joined struct {
	Op      int          `json:"op" cbor:"op"`
	Session SessionState `json:"session" cbor:"session"`
}

// Roster lists everyone else already in the room, sent once after Joined.
type Roster struct {
	Op       int            `json:"op" cbor:"op"`
	Sessions []SessionState `json:"sessions" cbor:"sessions"`
}

type PeerJoined struct {
	Op      int          `json:"op" cbor:"op"`
	Session SessionState `json:"session" cbor:"session"`
}

type PeerMoved struct {
	Op       int    `json:"op" cbor:"op"`
	ID       string `json:"id" cbor:"id"`
	Position Vec3   `json:"position" cbor:"position"`
	Rotation Vec3   `json:"rotation" cbor:"rotation"`
}

type PeerLeft struct {
	Op int    `json:"op" cbor:"op"`
	ID string `json:"id" cbor:"id"`
}

// Diagnostics is the periodic counter snapshot every session receives.
type Diagnostics struct {
	Op              int     `json:"op" cbor:"op"`
	Uptime          float64 `json:"uptime" cbor:"uptime"`
	FPS             float64 `json:"fps" cbor:"fps"`
	SessionCount    int     `json:"sessionCount" cbor:"sessionCount"`
	PaletteSize     int     `json:"paletteSize" cbor:"paletteSize"`
	AvailableCount  int     `json:"availableCount" cbor:"availableCount"`
	LockedCount     int     `json:"lockedCount" cbor:"lockedCount"`
	ProceduralCount int     `json:"proceduralCount" cbor:"proceduralCount"`
}

// Error tells one connection why it is being refused or closed.
type Error struct {
	Op      int    `json:"op" cbor:"op"`
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// Encode marshals a message for the wire.
func Encode(message interface{}) ([]byte, error) {
	return cbor.Marshal(message)
}

// Decode fills message from a frame.
func Decode(data []byte, message interface{}) error {
	return cbor.Unmarshal(data, message)
}
