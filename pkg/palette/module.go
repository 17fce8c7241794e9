package palette

import (
	"fmt"
	"math"
)

const (
	// IdentityTolerance is the per-channel difference below which two
	// colors count as the same value.
	IdentityTolerance = 1e-3

	// MinDistance is the Euclidean RGB distance required between a
	// generated color and everything already on screen.
	MinDistance = 0.3

	// Size is the number of palette entries.
	Size = 18
)

// Color is an RGB triple with each channel in [0, 1].
type Color struct {
	R float64 `json:"r" cbor:"r"`
	G float64 `json:"g" cbor:"g"`
	B float64 `json:"b" cbor:"b"`
}

// Valid reports whether every channel is a finite number inside [0, 1].
func (c Color) Valid() bool {
	for _, v := range [3]float64{c.R, c.G, c.B} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// Equals reports whether two colors are the same value: every channel
// differs by less than IdentityTolerance.
func (c Color) Equals(other Color) bool {
	return math.Abs(c.R-other.R) < IdentityTolerance &&
		math.Abs(c.G-other.G) < IdentityTolerance &&
		math.Abs(c.B-other.B) < IdentityTolerance
}

// DistanceTo is the Euclidean distance between two colors in RGB space.
func (c Color) DistanceTo(other Color) float64 {
	dr := c.R - other.R
	dg := c.G - other.G
	db := c.B - other.B
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// Key is a canonical string for value-keyed lookups, so any copy of the
// same color value maps to the same entry no matter where it was decoded
// or cloned.
func (c Color) Key() string {
	return fmt.Sprintf("%.3f:%.3f:%.3f", c.R, c.G, c.B)
}

// Hex renders the color as #rrggbb for logs and visit records.
func (c Color) Hex() string {
	return fmt.Sprintf(
		"#%02x%02x%02x",
		channelByte(c.R),
		channelByte(c.G),
		channelByte(c.B),
	)
}

func (c Color) max() float64 {
	return math.Max(c.R, math.Max(c.G, c.B))
}

func channelByte(v float64) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(math.Round(v * 255))
}

// Colors returns a fresh copy of the palette: primaries and secondaries
// first, then tertiaries, then dark and light variants.
func Colors() []Color {
	return []Color{
		{R: 1, G: 0, B: 0},
		{R: 0, G: 1, B: 0},
		{R: 0, G: 0, B: 1},
		{R: 1, G: 1, B: 0},
		{R: 0, G: 1, B: 1},
		{R: 1, G: 0, B: 1},
		{R: 1, G: 0.5, B: 0},
		{R: 0.5, G: 1, B: 0},
		{R: 0, G: 1, B: 0.5},
		{R: 0, G: 0.5, B: 1},
		{R: 0.5, G: 0, B: 1},
		{R: 1, G: 0, B: 0.5},
		{R: 0.5, G: 0, B: 0},
		{R: 0, G: 0.5, B: 0},
		{R: 0, G: 0, B: 0.5},
		{R: 1, G: 0.7, B: 0.7},
		{R: 0.7, G: 1, B: 0.7},
		{R: 0.7, G: 0.7, B: 1},
	}
}
