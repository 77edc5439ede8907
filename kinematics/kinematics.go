// Package kinematics maps between joint angles and end-effector pose for a chain of
// revolute DH links.
package kinematics

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/opan08/open-manipulator/chain"
)

// ErrNoConvergence is returned when an iterative solve does not reach tolerance.
var ErrNoConvergence = errors.New("inverse kinematics did not converge")

// Method selects an inverse kinematics variant.
type Method int

const (
	// Direct is a Newton solve on the full pose error.
	Direct Method = iota
	// Damped is the singularity-robust Levenberg-Marquardt solve.
	Damped
	// PositionOnly solves for end-effector position and ignores orientation.
	PositionOnly
)

// String returns the method name used in commands.
func (m Method) String() string {
	switch m {
	case Direct:
		return "direct"
	case Damped:
		return "damped"
	case PositionOnly:
		return "position"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod is the inverse of Method.String.
func ParseMethod(s string) (Method, error) {
	for _, m := range []Method{Direct, Damped, PositionOnly} {
		if m.String() == s {
			return m, nil
		}
	}
	return Direct, fmt.Errorf("unknown ik method %q", s)
}

// Forward recomputes P and R of every link from index from to the end of the chain.
// Links before from must already hold valid poses.
func Forward(c *chain.Chain, from int) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(c.Links); i++ {
		parentP, parentR := r3.Vector{}, chain.Identity()
		if i > 0 {
			parentP, parentR = c.Links[i-1].P, c.Links[i-1].R
		}
		l := &c.Links[i]
		localP, localR := localTransform(l)
		l.R = parentR.Mul(localR)
		l.P = parentP.Add(parentR.Apply(localP))
	}
}

// localTransform is Rz(theta) Tz(d) Tx(a) Rx(alpha).
func localTransform(l *chain.Link) (r3.Vector, chain.Rotation) {
	theta := 0.0
	if l.Kind == chain.Revolute {
		theta = l.JointAngle
	}
	ct, st := math.Cos(theta), math.Sin(theta)
	ca, sa := math.Cos(l.Alpha), math.Sin(l.Alpha)
	r := chain.Rotation{
		{ct, -st * ca, st * sa},
		{st, ct * ca, -ct * sa},
		{0, sa, ca},
	}
	return r3.Vector{X: l.A * ct, Y: l.A * st, Z: l.D}, r
}

// Solution is the result of an inverse solve.
type Solution struct {
	// Angles has one entry per link; links that are not solved for keep their input angle.
	Angles   []float64
	Residual float64
}

// Solver holds the numeric settings shared by the inverse variants.
type Solver struct {
	MaxIterations int
	Tolerance     float64
	// Damping is the base term added to the Levenberg-Marquardt normal equations.
	Damping float64
	// PositionWeight and OrientationWeight scale the error components in the damped solve.
	PositionWeight    float64
	OrientationWeight float64
}

// NewSolver returns a solver with defaults suited to a desktop-scale arm.
func NewSolver() *Solver {
	return &Solver{
		MaxIterations:     100,
		Tolerance:         1e-6,
		Damping:           1e-3,
		PositionWeight:    1 / 0.3,
		OrientationWeight: 1 / (2 * math.Pi),
	}
}

// Solve dispatches to the variant selected by method. For Damped the error is always nil
// and the caller is expected to inspect Solution.Residual.
func (s *Solver) Solve(method Method, c *chain.Chain, to int, goal Pose) (Solution, error) {
	switch method {
	case Direct:
		return s.Inverse(c, to, goal)
	case Damped:
		return s.DampedInverse(c, to, goal), nil
	case PositionOnly:
		return s.PositionOnlyInverse(c, to, goal.Position)
	}
	return Solution{}, fmt.Errorf("unknown ik method %d", int(method))
}

// Inverse is a Newton iteration on the six dimensional pose error using the
// least-squares solution of the Jacobian. c is not modified.
func (s *Solver) Inverse(c *chain.Chain, to int, goal Pose) (Solution, error) {
	work := c.Clone()
	vars := variables(work, to)
	if len(vars) == 0 {
		return Solution{}, fmt.Errorf("%w: no revolute joints before link %d", ErrNoConvergence, to)
	}
	var dq mat.VecDense
	for iter := 0; iter < s.MaxIterations; iter++ {
		Forward(work, 0)
		e := poseError(work, to, goal)
		residual := mat.Norm(e, 2)
		if residual < s.Tolerance {
			return Solution{Angles: work.JointAngles(), Residual: residual}, nil
		}
		j := jacobian(work, to, vars, true)
		if err := dq.SolveVec(j, e); err != nil {
			return Solution{}, fmt.Errorf("%w: %v", ErrNoConvergence, err)
		}
		step(work, vars, &dq)
	}
	Forward(work, 0)
	residual := mat.Norm(poseError(work, to, goal), 2)
	return Solution{}, fmt.Errorf("%w after %d iterations (residual %.3g)", ErrNoConvergence, s.MaxIterations, residual)
}

// DampedInverse is the singularity-robust solve: each step solves
// (Jt We J + (E + Damping) I) dq = Jt We e, where E is the weighted squared error.
// It always returns the best angles found. c is not modified.
func (s *Solver) DampedInverse(c *chain.Chain, to int, goal Pose) Solution {
	work := c.Clone()
	vars := variables(work, to)
	n := len(vars)

	we := mat.NewDiagDense(6, []float64{
		s.PositionWeight, s.PositionWeight, s.PositionWeight,
		s.OrientationWeight, s.OrientationWeight, s.OrientationWeight,
	})

	Forward(work, 0)
	best := Solution{Angles: work.JointAngles(), Residual: mat.Norm(poseError(work, to, goal), 2)}
	if n == 0 {
		return best
	}

	var (
		wj, h mat.Dense
		g, dq mat.VecDense
		we2   mat.VecDense
	)
	for iter := 0; iter < s.MaxIterations && best.Residual >= s.Tolerance; iter++ {
		e := poseError(work, to, goal)
		j := jacobian(work, to, vars, true)

		we2.MulVec(we, e)
		energy := 0.5 * mat.Dot(e, &we2)

		wj.Mul(we, j)
		h.Mul(j.T(), &wj)
		for k := 0; k < n; k++ {
			h.Set(k, k, h.At(k, k)+energy+s.Damping)
		}
		g.MulVec(j.T(), &we2)
		if err := dq.SolveVec(&h, &g); err != nil {
			break
		}
		step(work, vars, &dq)

		Forward(work, 0)
		if r := mat.Norm(poseError(work, to, goal), 2); r < best.Residual {
			best = Solution{Angles: work.JointAngles(), Residual: r}
		}
	}
	return best
}

// PositionOnlyInverse solves for the position of link to with damped least squares on the
// translational Jacobian, leaving orientation free. c is not modified.
func (s *Solver) PositionOnlyInverse(c *chain.Chain, to int, goal r3.Vector) (Solution, error) {
	work := c.Clone()
	vars := variables(work, to)
	if len(vars) == 0 {
		return Solution{}, fmt.Errorf("%w: no revolute joints before link %d", ErrNoConvergence, to)
	}
	lambda2 := s.Damping * s.Damping
	var (
		a     mat.Dense
		y, dq mat.VecDense
	)
	for iter := 0; iter < s.MaxIterations; iter++ {
		Forward(work, 0)
		d := goal.Sub(work.Links[to].P)
		if d.Norm() < s.Tolerance {
			return Solution{Angles: work.JointAngles(), Residual: d.Norm()}, nil
		}
		e := mat.NewVecDense(3, []float64{d.X, d.Y, d.Z})
		j := jacobian(work, to, vars, false)
		a.Mul(j, j.T())
		for k := 0; k < 3; k++ {
			a.Set(k, k, a.At(k, k)+lambda2)
		}
		if err := y.SolveVec(&a, e); err != nil {
			return Solution{}, fmt.Errorf("%w: %v", ErrNoConvergence, err)
		}
		dq.MulVec(j.T(), &y)
		step(work, vars, &dq)
	}
	Forward(work, 0)
	residual := goal.Sub(work.Links[to].P).Norm()
	return Solution{}, fmt.Errorf("%w after %d iterations (residual %.3g)", ErrNoConvergence, s.MaxIterations, residual)
}

// variables returns the indices of the revolute links that move link to.
func variables(c *chain.Chain, to int) []int {
	var out []int
	for i := 0; i <= to && i < len(c.Links); i++ {
		if c.Links[i].Kind == chain.Revolute {
			out = append(out, i)
		}
	}
	return out
}

func step(c *chain.Chain, vars []int, dq *mat.VecDense) {
	for k, i := range vars {
		c.Links[i].JointAngle += dq.AtVec(k)
	}
}

// jacobian of link to's frame with respect to vars. The joint of link i rotates about
// the z axis of link i-1. With orientation the rows are [v; w], otherwise only v.
func jacobian(c *chain.Chain, to int, vars []int, orientation bool) *mat.Dense {
	rows := 3
	if orientation {
		rows = 6
	}
	j := mat.NewDense(rows, len(vars), nil)
	end := c.Links[to].P
	for k, i := range vars {
		origin, axis := r3.Vector{}, r3.Vector{Z: 1}
		if i > 0 {
			origin, axis = c.Links[i-1].P, c.Links[i-1].R.Column(2)
		}
		v := axis.Cross(end.Sub(origin))
		j.Set(0, k, v.X)
		j.Set(1, k, v.Y)
		j.Set(2, k, v.Z)
		if orientation {
			j.Set(3, k, axis.X)
			j.Set(4, k, axis.Y)
			j.Set(5, k, axis.Z)
		}
	}
	return j
}

// poseError is [goal.p - p; R * log(Rt * goal.R)].
func poseError(c *chain.Chain, to int, goal Pose) *mat.VecDense {
	l := &c.Links[to]
	dp := goal.Position.Sub(l.P)
	dw := l.R.Apply(logRotation(l.R.Transpose().Mul(goal.Orientation)))
	return mat.NewVecDense(6, []float64{dp.X, dp.Y, dp.Z, dw.X, dw.Y, dw.Z})
}
