package plugin

import (
	"fmt"
	"strconv"
)

// ScreenPosition is where the panel sits on the screen. Its ordinal is sent
// over the wire in SCREEN_POSITION messages and in the screen_position
// argument, so the order below is fixed.
//
// The two-letter codes name the screen corner and the suffix the panel
// direction: NWH is a horizontal panel in the north-west corner.
type ScreenPosition int32

const (
	PositionNone ScreenPosition = iota

	// top
	PositionNWH
	PositionN
	PositionNEH

	// left
	PositionNWV
	PositionW
	PositionSWV

	// right
	PositionNEV
	PositionE
	PositionSEV

	// bottom
	PositionSWH
	PositionS
	PositionSEH

	// floating
	PositionFloatingH
	PositionFloatingV
)

var positionNames = [...]string{
	PositionNone:      "none",
	PositionNWH:       "nw-h",
	PositionN:         "n",
	PositionNEH:       "ne-h",
	PositionNWV:       "nw-v",
	PositionW:         "w",
	PositionSWV:       "sw-v",
	PositionNEV:       "ne-v",
	PositionE:         "e",
	PositionSEV:       "se-v",
	PositionSWH:       "sw-h",
	PositionS:         "s",
	PositionSEH:       "se-h",
	PositionFloatingH: "floating-h",
	PositionFloatingV: "floating-v",
}

// Valid reports whether p is a known position.
func (p ScreenPosition) Valid() bool {
	return p >= 0 && int(p) < len(positionNames)
}

func (p ScreenPosition) String() string {
	if p.Valid() {
		return positionNames[p]
	}
	return fmt.Sprintf("ScreenPosition(%d)", int32(p))
}

// ParseScreenPosition accepts either a position name ("ne-h") or its
// ordinal.
func ParseScreenPosition(s string) (ScreenPosition, error) {
	for i, name := range positionNames {
		if name == s {
			return ScreenPosition(i), nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 32); err == nil && ScreenPosition(n).Valid() {
		return ScreenPosition(n), nil
	}
	return PositionNone, fmt.Errorf("unknown screen position %q", s)
}

// IsHorizontal reports whether a panel at p lays its items out in a row.
// PositionNone counts as horizontal.
func (p ScreenPosition) IsHorizontal() bool {
	return p <= PositionNEH || (p >= PositionSWH && p <= PositionFloatingH)
}

// Orientation derives the layout orientation from the position.
func (p ScreenPosition) Orientation() Orientation {
	if p.IsHorizontal() {
		return Horizontal
	}
	return Vertical
}

// IsFloating reports whether the panel is not attached to a screen edge.
func (p ScreenPosition) IsFloating() bool {
	return p >= PositionFloatingH || p == PositionNone
}

func (p ScreenPosition) IsTop() bool {
	return p >= PositionNWH && p <= PositionNEH
}

func (p ScreenPosition) IsLeft() bool {
	return p >= PositionNWV && p <= PositionSWV
}

func (p ScreenPosition) IsRight() bool {
	return p >= PositionNEV && p <= PositionSEV
}

func (p ScreenPosition) IsBottom() bool {
	return p >= PositionSWH && p <= PositionSEH
}

// Orientation is the layout direction of a panel.
type Orientation int

const (
	Horizontal Orientation = iota
	Vertical
)

func (o Orientation) String() string {
	if o == Vertical {
		return "vertical"
	}
	return "horizontal"
}
