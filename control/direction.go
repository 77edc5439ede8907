package control

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Direction is a single-axis end-effector nudge.
type Direction int

// Nudge directions in the base frame: x forward, y left, z up.
const (
	Forward Direction = iota
	Back
	Left
	Right
	Up
	Down
)

var directionNames = [...]string{"forward", "back", "left", "right", "up", "down"}

// String returns the command name of the direction.
func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, error) {
	for i, n := range directionNames {
		if n == s {
			return Direction(i), nil
		}
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Offset returns the displacement of a nudge of size step.
func (d Direction) Offset(step float64) r3.Vector {
	switch d {
	case Forward:
		return r3.Vector{X: step}
	case Back:
		return r3.Vector{X: -step}
	case Left:
		return r3.Vector{Y: step}
	case Right:
		return r3.Vector{Y: -step}
	case Up:
		return r3.Vector{Z: step}
	case Down:
		return r3.Vector{Z: -step}
	}
	return r3.Vector{}
}
