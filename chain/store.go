package chain

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when an index range does not fit the chain.
var ErrOutOfRange = errors.New("index range out of bounds")

// State is the kinematic state of one joint.
type State struct {
	Pos float64 // rad
	Vel float64 // rad/s
	Acc float64 // rad/s^2
}

// Position holds the present and commanded angle of one joint.
type Position struct {
	Present float64
	Target  float64
}

// Store holds State and Position for every link of a chain.
// It does no locking; the control loop serialises access.
type Store struct {
	state []State
	pos   []Position
}

// NewStore returns a zeroed store sized for n links.
func NewStore(n int) *Store {
	return &Store{
		state: make([]State, n),
		pos:   make([]Position, n),
	}
}

// Len returns the number of links.
func (s *Store) Len() int {
	return len(s.state)
}

func (s *Store) checkRange(r Range) error {
	if r.From < 0 || r.To > len(s.state) || r.From > r.To {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, r.From, r.To, len(s.state))
	}
	return nil
}

// CurrentAngles returns a snapshot of every joint state.
func (s *Store) CurrentAngles() []State {
	out := make([]State, len(s.state))
	copy(out, s.state)
	return out
}

// SetTargetAngles sets Position.Target for the indices in r; len(angles) must equal r.Len().
func (s *Store) SetTargetAngles(angles []float64, r Range) error {
	if err := s.checkRange(r); err != nil {
		return err
	}
	if len(angles) != r.Len() {
		return fmt.Errorf("%w: got %d angles for %d joints", ErrOutOfRange, len(angles), r.Len())
	}
	for i, a := range angles {
		s.pos[r.From+i].Target = a
	}
	return nil
}

// Targets returns a copy of every target angle.
func (s *Store) Targets() []float64 {
	out := make([]float64, len(s.pos))
	for i := range s.pos {
		out[i] = s.pos[i].Target
	}
	return out
}

// Present returns a copy of every present angle.
func (s *Store) Present() []float64 {
	out := make([]float64, len(s.pos))
	for i := range s.pos {
		out[i] = s.pos[i].Present
	}
	return out
}

// Commit stores sampled states and mirrors their positions into Position.Present.
func (s *Store) Commit(states []State) {
	n := copy(s.state, states)
	for i := 0; i < n; i++ {
		s.pos[i].Present = s.state[i].Pos
	}
}

// SetPresent records measured angles: both Position.Present and State.Pos.
// Velocity and acceleration are left as they are.
func (s *Store) SetPresent(angles []float64) {
	for i := 0; i < len(angles) && i < len(s.state); i++ {
		s.pos[i].Present = angles[i]
		s.state[i].Pos = angles[i]
	}
}

// Halt brings every joint to rest where it is: velocity and acceleration are zeroed and
// the present angle becomes the target.
func (s *Store) Halt() {
	for i := range s.state {
		s.state[i].Vel = 0
		s.state[i].Acc = 0
		s.pos[i].Target = s.pos[i].Present
	}
}

// Reset zeroes every state and position.
func (s *Store) Reset() {
	for i := range s.state {
		s.state[i] = State{}
		s.pos[i] = Position{}
	}
}
