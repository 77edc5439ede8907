package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/opan08/open-manipulator/chain"
)

// Pose is an end-effector position (metres) and orientation.
type Pose struct {
	Position    r3.Vector
	Orientation chain.Rotation
}

// LinkPose returns the pose stored in link i by the last Forward call.
func LinkPose(c *chain.Chain, i int) Pose {
	return Pose{Position: c.Links[i].P, Orientation: c.Links[i].R}
}

// ToSpatial converts to a Viam pose; Viam positions are millimetres.
func (p Pose) ToSpatial() spatialmath.Pose {
	theta, axis := axisAngle(p.Orientation)
	if theta == 0 {
		axis = r3.Vector{Z: 1}
	}
	return spatialmath.NewPose(
		p.Position.Mul(1000),
		&spatialmath.R4AA{Theta: theta, RX: axis.X, RY: axis.Y, RZ: axis.Z},
	)
}

// FromSpatial converts a Viam pose back into a Pose in metres.
func FromSpatial(sp spatialmath.Pose) Pose {
	aa := sp.Orientation().AxisAngles()
	return Pose{
		Position:    sp.Point().Mul(0.001),
		Orientation: fromAxisAngle(aa.Theta, r3.Vector{X: aa.RX, Y: aa.RY, Z: aa.RZ}),
	}
}

// fromAxisAngle is Rodrigues' formula.
func fromAxisAngle(theta float64, axis r3.Vector) chain.Rotation {
	n := axis.Norm()
	if n == 0 || theta == 0 {
		return chain.Identity()
	}
	k := axis.Mul(1 / n)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return chain.Rotation{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
}

// axisAngle is the inverse of fromAxisAngle; theta is in [0, pi].
func axisAngle(r chain.Rotation) (float64, r3.Vector) {
	w := logRotation(r)
	theta := w.Norm()
	if theta < 1e-12 {
		return 0, r3.Vector{}
	}
	return theta, w.Mul(1 / theta)
}

// logRotation returns the rotation vector (axis * angle) of r.
func logRotation(r chain.Rotation) r3.Vector {
	l := r3.Vector{X: r[2][1] - r[1][2], Y: r[0][2] - r[2][0], Z: r[1][0] - r[0][1]}
	ln := l.Norm()
	tr := r[0][0] + r[1][1] + r[2][2]
	switch {
	case ln > 1e-9:
		return l.Mul(math.Atan2(ln, tr-1) / ln)
	case tr > 0:
		return r3.Vector{}
	default:
		// 180 degree rotation: magnitudes from the diagonal, signs from the off-diagonal terms.
		x := math.Sqrt(math.Max(r[0][0]+1, 0) / 2)
		y := math.Sqrt(math.Max(r[1][1]+1, 0) / 2)
		z := math.Sqrt(math.Max(r[2][2]+1, 0) / 2)
		switch {
		case x >= y && x >= z:
			y = math.Copysign(y, r[0][1])
			z = math.Copysign(z, r[0][2])
		case y >= z:
			x = math.Copysign(x, r[0][1])
			z = math.Copysign(z, r[1][2])
		default:
			x = math.Copysign(x, r[0][2])
			y = math.Copysign(y, r[1][2])
		}
		return r3.Vector{X: x, Y: y, Z: z}.Mul(math.Pi)
	}
}
