// Package chain describes the serial kinematic chain of the OpenManipulator and holds
// the per-joint state the control loop mutates every tick.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// ErrUnknownLink is returned when a link name does not exist in the chain.
var ErrUnknownLink = errors.New("unknown link")

// Kind is the role of a link in the chain.
type Kind int

const (
	// Fixed links carry a constant transform (e.g. the base).
	Fixed Kind = iota
	// Revolute links rotate about their DH z axis.
	Revolute
	// Gripper links are actuated but never move the end-effector frame.
	Gripper
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case Fixed:
		return "fixed"
	case Revolute:
		return "revolute"
	case Gripper:
		return "gripper"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "fixed", "":
		return Fixed, nil
	case "revolute":
		return Revolute, nil
	case "gripper":
		return Gripper, nil
	}
	return Fixed, fmt.Errorf("invalid link kind %q", s)
}

// Rotation is a 3x3 orientation matrix in row-major order.
type Rotation [3][3]float64

// Identity returns the identity rotation.
func Identity() Rotation {
	return Rotation{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Mul returns r*o.
func (r Rotation) Mul(o Rotation) Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][0]*o[0][j] + r[i][1]*o[1][j] + r[i][2]*o[2][j]
		}
	}
	return out
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Transpose returns the inverse rotation.
func (r Rotation) Transpose() Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[j][i]
		}
	}
	return out
}

// Column returns column j as a vector.
func (r Rotation) Column(j int) r3.Vector {
	return r3.Vector{X: r[0][j], Y: r[1][j], Z: r[2][j]}
}

// Link is one rigid body of the chain together with the joint that drives it.
//
// A, D and Alpha are standard Denavit-Hartenberg parameters in metres and radians.
// JointAngle, P and R are written by the kinematic solver.
type Link struct {
	Name    string
	Me      int
	Kind    Kind
	A       float64
	D       float64
	Alpha   float64
	Min     float64
	Max     float64
	MotorID int

	JointAngle float64
	P          r3.Vector
	R          Rotation
}

// Actuated reports whether the link is driven by a motor.
func (l *Link) Actuated() bool {
	return l.Kind != Fixed
}

// WithinLimits reports whether angle is inside [Min, Max]. Links without limits accept anything.
func (l *Link) WithinLimits(angle float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return angle >= l.Min && angle <= l.Max
}

// Range is a contiguous index range [From, To).
type Range struct {
	From int
	To   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	return r.To - r.From
}

// Chain is the ordered, fixed-length list of links from base to end-effector.
// It is created once at startup and owned by the caller; components keep a pointer to it.
type Chain struct {
	Name  string
	Links []Link
}

// New builds a chain and assigns each link its index.
func New(name string, links []Link) (*Chain, error) {
	if len(links) == 0 {
		return nil, errors.New("chain must have at least one link")
	}
	seen := make(map[string]bool, len(links))
	for i := range links {
		if links[i].Name == "" {
			return nil, fmt.Errorf("link %d has no name", i)
		}
		if seen[links[i].Name] {
			return nil, fmt.Errorf("duplicate link name %q", links[i].Name)
		}
		seen[links[i].Name] = true
		links[i].Me = i
		links[i].R = Identity()
		if links[i].Actuated() && links[i].MotorID <= 0 {
			return nil, fmt.Errorf("actuated link %q needs a motor id", links[i].Name)
		}
	}
	return &Chain{Name: name, Links: links}, nil
}

// Len returns the number of links.
func (c *Chain) Len() int {
	return len(c.Links)
}

// FindMe returns the index of the link with the given name.
func (c *Chain) FindMe(name string) (int, error) {
	for i := range c.Links {
		if c.Links[i].Name == name {
			return c.Links[i].Me, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownLink, name)
}

// MustFindMe is FindMe for startup code where a missing link is a configuration bug.
func (c *Chain) MustFindMe(name string) int {
	i, err := c.FindMe(name)
	if err != nil {
		panic(err)
	}
	return i
}

// Actuated returns the indices of motor-driven links in chain order.
func (c *Chain) Actuated() []int {
	var out []int
	for i := range c.Links {
		if c.Links[i].Actuated() {
			out = append(out, i)
		}
	}
	return out
}

// ArmRange is the contiguous range of revolute links.
func (c *Chain) ArmRange() Range {
	r := Range{From: -1}
	for i := range c.Links {
		if c.Links[i].Kind != Revolute {
			continue
		}
		if r.From < 0 {
			r.From = i
		}
		r.To = i + 1
	}
	if r.From < 0 {
		return Range{}
	}
	return r
}

// GripperRange is the range of the gripper link, empty if the chain has none.
func (c *Chain) GripperRange() Range {
	for i := range c.Links {
		if c.Links[i].Kind == Gripper {
			return Range{From: i, To: i + 1}
		}
	}
	return Range{}
}

// EndEffector returns the index of the last link.
func (c *Chain) EndEffector() int {
	return len(c.Links) - 1
}

// SetJointAngles copies angles (one per link) into the links.
func (c *Chain) SetJointAngles(angles []float64) {
	for i := range c.Links {
		if i < len(angles) {
			c.Links[i].JointAngle = angles[i]
		}
	}
}

// JointAngles returns the joint angle of every link.
func (c *Chain) JointAngles() []float64 {
	out := make([]float64, len(c.Links))
	for i := range c.Links {
		out[i] = c.Links[i].JointAngle
	}
	return out
}

// Clone returns a deep copy, used by solvers that must not touch the caller's chain.
func (c *Chain) Clone() *Chain {
	links := make([]Link, len(c.Links))
	copy(links, c.Links)
	return &Chain{Name: c.Name, Links: links}
}

type dhParam struct {
	ID     string  `json:"id"`
	Parent string  `json:"parent"`
	A      float64 `json:"a"`
	D      float64 `json:"d"`
	Alpha  float64 `json:"alpha"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

type linkParam struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Joint   string `json:"joint"`
	MotorID int    `json:"motor_id"`
}

type modelJSON struct {
	Name     string      `json:"name"`
	DHParams []dhParam   `json:"dhParams"`
	Links    []linkParam `json:"links"`
}

// Load parses a DH model document. Lengths are millimetres and limits degrees in the
// document; the returned chain uses metres and radians.
func Load(data []byte) (*Chain, error) {
	var m modelJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse chain: %w", err)
	}
	dh := make(map[string]dhParam, len(m.DHParams))
	for _, p := range m.DHParams {
		dh[p.ID] = p
	}
	links := make([]Link, 0, len(m.Links))
	for _, lp := range m.Links {
		kind, err := parseKind(lp.Kind)
		if err != nil {
			return nil, err
		}
		l := Link{Name: lp.Name, Kind: kind, MotorID: lp.MotorID}
		if lp.Joint != "" {
			p, ok := dh[lp.Joint]
			if !ok {
				return nil, fmt.Errorf("link %q: %w: dh param %q", lp.Name, ErrUnknownLink, lp.Joint)
			}
			l.A = p.A / 1000
			l.D = p.D / 1000
			l.Alpha = p.Alpha
			l.Min = p.Min * math.Pi / 180
			l.Max = p.Max * math.Pi / 180
		}
		links = append(links, l)
	}
	return New(m.Name, links)
}
