// Package trajectory generates time-parameterised joint trajectories for the control loop.
package trajectory

import (
	"errors"
	"fmt"
	"math"

	"github.com/opan08/open-manipulator/chain"
)

var (
	// ErrInvalidDuration is returned for a non-positive duration or sample period.
	ErrInvalidDuration = errors.New("invalid move duration")
	// ErrTickOutOfRange is returned when sampling past the end of the trajectory.
	ErrTickOutOfRange = errors.New("tick out of range")
)

// stepEpsilon absorbs representation error in duration/period so that 1.0/0.01 gives 100.
const stepEpsilon = 1e-9

// MinimumJerk is a quintic polynomial per joint between two boundary states.
//
//	x(t) = c0 + c1 t + c2 t^2 + c3 t^3 + c4 t^4 + c5 t^5
type MinimumJerk struct {
	coeffs    [][6]float64
	duration  float64
	period    float64
	stepCount int
}

// New returns an interpolator with room for n joints.
func New(n int) *MinimumJerk {
	return &MinimumJerk{coeffs: make([][6]float64, n)}
}

// SetBoundaryConditions fits one quintic per joint for the first n entries of start and target.
// The previous trajectory is only replaced when the call succeeds.
func (m *MinimumJerk) SetBoundaryConditions(start, target []chain.State, n int, duration, period float64) error {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return fmt.Errorf("%w: %v s", ErrInvalidDuration, duration)
	}
	if period <= 0 || math.IsNaN(period) {
		return fmt.Errorf("%w: sample period %v s", ErrInvalidDuration, period)
	}
	if n > len(start) || n > len(target) {
		return fmt.Errorf("need %d boundary states, have %d start and %d target", n, len(start), len(target))
	}
	if cap(m.coeffs) < n {
		m.coeffs = make([][6]float64, n)
	}
	m.coeffs = m.coeffs[:n]

	t := duration
	t2, t3 := t*t, t*t*t
	t4, t5 := t3*t, t3*t2
	for i := 0; i < n; i++ {
		p0, v0, a0 := start[i].Pos, start[i].Vel, start[i].Acc
		pf, vf, af := target[i].Pos, target[i].Vel, target[i].Acc
		h := pf - p0
		m.coeffs[i] = [6]float64{
			p0,
			v0,
			a0 / 2,
			(20*h - (8*vf+12*v0)*t - (3*a0-af)*t2) / (2 * t3),
			(-30*h + (14*vf+16*v0)*t + (3*a0-2*af)*t2) / (2 * t4),
			(12*h - 6*(vf+v0)*t + (af-a0)*t2) / (2 * t5),
		}
	}
	m.duration = duration
	m.period = period
	m.stepCount = int(math.Floor(duration/period+stepEpsilon)) + 1
	return nil
}

// StepCount is the number of ticks in the trajectory, floor(duration/period) + 1.
func (m *MinimumJerk) StepCount() int {
	return m.stepCount
}

// Duration returns the fitted duration in seconds.
func (m *MinimumJerk) Duration() float64 {
	return m.duration
}

// JointCount returns the number of fitted joints.
func (m *MinimumJerk) JointCount() int {
	return len(m.coeffs)
}

// SampleAt writes position, velocity and acceleration at tick into out.
// The final tick is evaluated at the full duration so the trajectory always ends on target.
func (m *MinimumJerk) SampleAt(tick int, out []chain.State) error {
	if tick < 0 || tick >= m.stepCount {
		return fmt.Errorf("%w: %d of %d", ErrTickOutOfRange, tick, m.stepCount)
	}
	if len(out) < len(m.coeffs) {
		return fmt.Errorf("sample buffer holds %d joints, need %d", len(out), len(m.coeffs))
	}
	t := float64(tick) * m.period
	if tick == m.stepCount-1 || t > m.duration {
		t = m.duration
	}
	t2 := t * t
	t3 := t2 * t
	t4 := t3 * t
	t5 := t4 * t
	for i, c := range m.coeffs {
		out[i] = chain.State{
			Pos: c[0] + c[1]*t + c[2]*t2 + c[3]*t3 + c[4]*t4 + c[5]*t5,
			Vel: c[1] + 2*c[2]*t + 3*c[3]*t2 + 4*c[4]*t3 + 5*c[5]*t4,
			Acc: 2*c[2] + 6*c[3]*t + 12*c[4]*t2 + 20*c[5]*t3,
		}
	}
	return nil
}
