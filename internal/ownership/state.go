package ownership

import (
	"fmt"
	"math"
)

// Bounds of each position coordinate, as a percentage of the viewport.
const (
	MinCoordinate = 0.0
	MaxCoordinate = 100.0
)

// Position is a 2D coordinate, each component in [MinCoordinate, MaxCoordinate].
//
// Position is a value type. Every transition copies it, so a State captured
// earlier is never changed by a later transition.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Clamp returns n if it lies within [min, max], otherwise the nearest bound.
// NaN clamps to min.
func Clamp(n, min, max float64) float64 {
	if math.IsNaN(n) {
		return min
	}
	return math.Min(math.Max(n, min), max)
}

// Clamped returns p with both coordinates clamped to the valid range.
func (p Position) Clamped() Position {
	return Position{
		X: Clamp(p.X, MinCoordinate, MaxCoordinate),
		Y: Clamp(p.Y, MinCoordinate, MaxCoordinate),
	}
}

// Valid reports whether both coordinates are finite and within range.
func (p Position) Valid() bool {
	return inRange(p.X) && inRange(p.Y)
}

func inRange(v float64) bool {
	return !math.IsNaN(v) && v >= MinCoordinate && v <= MaxCoordinate
}

func (p Position) String() string {
	return fmt.Sprintf("(%g,%g)", p.X, p.Y)
}

// Status is the control status of the shared position.
type Status string

const (
	// StatusIdleLocal means nobody holds the lock and this client released it last.
	StatusIdleLocal Status = "idle_local"
	// StatusIdleRemote means nobody holds the lock as far as this client knows.
	StatusIdleRemote Status = "idle_remote"
	// StatusLocalControl means this client holds the lock.
	StatusLocalControl Status = "local_control"
	// StatusRemoteControl means another client holds the lock.
	StatusRemoteControl Status = "remote_control"
)

// IsIdle reports whether no client holds the lock. Any idle variant is
// acquirable.
func (s Status) IsIdle() bool {
	return s == StatusIdleLocal || s == StatusIdleRemote
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdleLocal, StatusIdleRemote, StatusLocalControl, StatusRemoteControl:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a status name to a Status.
func ParseStatus(name string) (Status, error) {
	s := Status(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", name)
	}
	return s, nil
}

// State is the control status together with the last known good position.
//
// Position is kept regardless of status.
type State struct {
	Status   Status   `json:"status"`
	Position Position `json:"position"`
}

// Initial returns the state a client starts in before any record arrives.
func Initial() State {
	return State{Status: StatusIdleRemote, Position: Position{}}
}

func (s State) String() string {
	return fmt.Sprintf("%s %s", s.Status, s.Position)
}
