package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atriumworld/atrium/pkg/palette"
)

func TestOpEnvelope(t *testing.T) {
	data, err := Encode(PeerMoved{
		Op:       PeerMovedOp,
		ID:       "abc",
		Position: Vec3{X: 1, Y: 2, Z: 3},
	})
	require.NoError(t, err)

	var generic GenericMessage
	require.NoError(t, Decode(data, &generic))
	require.Equal(t, PeerMovedOp, generic.Op)

	var moved PeerMoved
	require.NoError(t, Decode(data, &moved))
	require.Equal(t, "abc", moved.ID)
	require.Equal(t, Vec3{X: 1, Y: 2, Z: 3}, moved.Position)
}

func TestJoinOptionalFields(t *testing.T) {
	data, err := Encode(Join{Op: JoinOp})
	require.NoError(t, err)

	var join Join
	require.NoError(t, Decode(data, &join))
	require.Nil(t, join.Position)
	require.Nil(t, join.Color)

	color := palette.Color{R: 0.2, G: 0.4, B: 0.8}
	data, err = Encode(Join{Op: JoinOp, Color: &color})
	require.NoError(t, err)

	join = Join{}
	require.NoError(t, Decode(data, &join))
	require.NotNil(t, join.Color)
	require.True(t, join.Color.Equals(color))
}
