package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/opan08/open-manipulator/chain"
	"github.com/opan08/open-manipulator/dynamixel"
	"github.com/opan08/open-manipulator/kinematics"
	"github.com/opan08/open-manipulator/trajectory"
)

// fakeBus stands in for the Dynamixel driver.
type fakeBus struct {
	mu          sync.Mutex
	angles      []float64
	written     [][]chain.State
	failWriteAt int // zero-based write index that fails, -1 for never
	readErr     error
	initErr     error
	torque      []bool
}

func newFakeBus(angles []float64) *fakeBus {
	return &fakeBus{angles: angles, failWriteAt: -1}
}

func (b *fakeBus) Initialize(torque bool) ([]float64, error) {
	if b.initErr != nil {
		return nil, b.initErr
	}
	b.SetTorque(torque)
	return b.ReadAngles()
}

func (b *fakeBus) ReadAngles() ([]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	return append([]float64(nil), b.angles...), nil
}

func (b *fakeBus) WriteAngles(states []chain.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.written) == b.failWriteAt {
		return dynamixel.ErrBusWrite
	}
	b.written = append(b.written, append([]chain.State(nil), states...))
	return nil
}

func (b *fakeBus) SetTorque(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.torque = append(b.torque, enabled)
}

func sixJointChain(t *testing.T) *chain.Chain {
	t.Helper()
	links := make([]chain.Link, 6)
	for i := range links {
		links[i] = chain.Link{
			Name:    "Joint" + string(rune('1'+i)),
			Kind:    chain.Revolute,
			A:       0.05,
			Alpha:   math.Pi / 2 * float64(i%2),
			MotorID: i + 1,
		}
	}
	c, err := chain.New("six", links)
	test.That(t, err, test.ShouldBeNil)
	return c
}

func omxChain(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := chain.New("omx", []chain.Link{
		{Name: "BASE", Kind: chain.Fixed},
		{Name: "Joint1", Kind: chain.Revolute, D: 0.077, Alpha: math.Pi / 2, MotorID: 1},
		{Name: "Joint2", Kind: chain.Revolute, A: 0.130, MotorID: 2},
		{Name: "Joint3", Kind: chain.Revolute, A: 0.124, MotorID: 3},
		{Name: "Joint4", Kind: chain.Revolute, A: 0.126, MotorID: 4},
		{Name: "Gripper", Kind: chain.Gripper, MotorID: 5},
	})
	test.That(t, err, test.ShouldBeNil)
	return c
}

func newController(t *testing.T, c *chain.Chain, bus Bus, sink io.Writer) *Controller {
	t.Helper()
	cfg := Config{UsePlatform: bus != nil, UseTelemetry: sink != nil}
	ctrl, err := New(cfg, c, bus, kinematics.NewSolver(), trajectory.New(c.Len()), sink, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return ctrl
}

func ticks(c *Controller, n int) {
	for i := 0; i < n; i++ {
		c.Tick()
	}
}

func TestNewValidation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := New(Config{UsePlatform: true}, omxChain(t), nil, nil, nil, nil, logger)
	test.That(t, errors.Is(err, ErrNoPlatform), test.ShouldBeTrue)

	_, err = New(Config{UseTelemetry: true}, omxChain(t), nil, nil, nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	fixed, err := chain.New("fixed", []chain.Link{{Name: "BASE"}})
	test.That(t, err, test.ShouldBeNil)
	_, err = New(Config{}, fixed, nil, nil, nil, nil, logger)
	test.That(t, errors.Is(err, chain.ErrUnknownLink), test.ShouldBeTrue)

	ctrl, err := New(Config{}, omxChain(t), nil, nil, nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Period(), test.ShouldEqual, DefaultPeriod)
	test.That(t, ctrl.MoveDuration(), test.ShouldEqual, DefaultMoveTime)
}

func TestScenarioSimulatedMove(t *testing.T) {
	var sink bytes.Buffer
	ctrl := newController(t, sixJointChain(t), nil, &sink)
	test.That(t, ctrl.Initialize(true), test.ShouldBeNil)
	test.That(t, sink.String(), test.ShouldEqual, "0.00,0.00,0.00,0.00,0.00,0.00\r\nInit Processing\r\n")
	sink.Reset()

	test.That(t, ctrl.SetJointAngles([]float64{0, 0, 0, 0, 0, 0.5}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(1.0), test.ShouldBeNil)
	test.That(t, ctrl.IsMoving(), test.ShouldBeTrue)

	ticks(ctrl, 100)
	test.That(t, ctrl.IsMoving(), test.ShouldBeTrue)
	ctrl.Tick()
	test.That(t, ctrl.IsMoving(), test.ShouldBeFalse)

	lines := strings.Split(strings.TrimSuffix(sink.String(), "\r\n"), "\r\n")
	test.That(t, len(lines), test.ShouldEqual, 101)
	test.That(t, lines[0], test.ShouldEqual, "angle,0.00,0.00,0.00,0.00,0.00,0.00 ")
	test.That(t, lines[100], test.ShouldEqual, "angle,0.00,0.00,0.00,0.00,0.00,0.50 ")

	final := ctrl.CurrentAngles()[5]
	test.That(t, final.Pos, test.ShouldAlmostEqual, 0.5, 1e-9)
	test.That(t, final.Vel, test.ShouldAlmostEqual, 0, 1e-9)

	// Idle ticks do nothing.
	ticks(ctrl, 5)
	test.That(t, strings.Count(sink.String(), "\r\n"), test.ShouldEqual, 101)
	test.That(t, ctrl.Status(), test.ShouldBeNil)
}

func TestStartMoveWhileMovingIsRejected(t *testing.T) {
	ctrl := newController(t, sixJointChain(t), nil, nil)
	test.That(t, ctrl.Initialize(false), test.ShouldBeNil)
	test.That(t, ctrl.SetJointAngles([]float64{0.2, 0, 0, 0, 0, 0}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(0.5), test.ShouldBeNil)
	ticks(ctrl, 10)

	test.That(t, errors.Is(ctrl.StartMove(0.1), ErrMoveInProgress), test.ShouldBeTrue)
	test.That(t, errors.Is(ctrl.SetJointAngles(make([]float64, 6)), ErrMoveInProgress), test.ShouldBeTrue)
	_, err := ctrl.NudgePose(Up, 0.01)
	test.That(t, errors.Is(err, ErrMoveInProgress), test.ShouldBeTrue)

	// The first move runs to completion: 51 ticks in total.
	ticks(ctrl, 40)
	test.That(t, ctrl.IsMoving(), test.ShouldBeTrue)
	ctrl.Tick()
	test.That(t, ctrl.IsMoving(), test.ShouldBeFalse)
	test.That(t, ctrl.CurrentAngles()[0].Pos, test.ShouldAlmostEqual, 0.2, 1e-9)
}

func TestInvalidDurationLeavesIdle(t *testing.T) {
	ctrl := newController(t, sixJointChain(t), nil, nil)
	err := ctrl.StartMove(0)
	test.That(t, errors.Is(err, trajectory.ErrInvalidDuration), test.ShouldBeTrue)
	test.That(t, ctrl.IsMoving(), test.ShouldBeFalse)

	err = ctrl.SetMoveDuration(-1)
	test.That(t, errors.Is(err, trajectory.ErrInvalidDuration), test.ShouldBeTrue)
	test.That(t, ctrl.SetMoveDuration(0.02), test.ShouldBeNil)
	test.That(t, ctrl.Move(), test.ShouldBeNil)
	ticks(ctrl, 3)
	test.That(t, ctrl.IsMoving(), test.ShouldBeFalse)
}

func TestScenarioBusFaultAbortsMove(t *testing.T) {
	c := omxChain(t)
	bus := newFakeBus([]float64{0, 0, 0, 0, 0})
	ctrl := newController(t, c, bus, nil)
	test.That(t, ctrl.Initialize(true), test.ShouldBeNil)
	test.That(t, bus.torque, test.ShouldResemble, []bool{true})

	test.That(t, ctrl.SetJointAngles([]float64{0.4, 0.3, -0.2, 0.1}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(1.0), test.ShouldBeNil)

	bus.failWriteAt = 50
	ticks(ctrl, 50)
	test.That(t, ctrl.IsMoving(), test.ShouldBeTrue)
	ctrl.Tick()
	test.That(t, ctrl.IsMoving(), test.ShouldBeFalse)
	test.That(t, errors.Is(ctrl.Status(), dynamixel.ErrBusWrite), test.ShouldBeTrue)

	last := bus.written[len(bus.written)-1]
	present := ctrl.CurrentAngles()
	for i := range present {
		test.That(t, present[i], test.ShouldResemble, last[i])
	}
	test.That(t, present[1].Pos, test.ShouldBeLessThan, 0.4)

	// Still frozen on later ticks.
	ticks(ctrl, 3)
	test.That(t, ctrl.CurrentAngles(), test.ShouldResemble, present)
	test.That(t, len(bus.written), test.ShouldEqual, 50)

	// The abort drops the goal: targets hold the frozen angles and the arm is at rest.
	targets := ctrl.Targets()
	for i := range present {
		test.That(t, targets[i], test.ShouldEqual, present[i].Pos)
		test.That(t, present[i].Vel, test.ShouldEqual, 0)
		test.That(t, present[i].Acc, test.ShouldEqual, 0)
	}

	// A new move can be started from the frozen state and clears the status.
	bus.failWriteAt = -1
	test.That(t, ctrl.SetJointAngles([]float64{0.4, 0.3, -0.2, 0.1}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(0.1), test.ShouldBeNil)
	test.That(t, ctrl.Status(), test.ShouldBeNil)
	ticks(ctrl, 11)
	test.That(t, ctrl.CurrentAngles()[1].Pos, test.ShouldAlmostEqual, 0.4, 1e-9)

	ctrl.ClearStatus()
	test.That(t, ctrl.Status(), test.ShouldBeNil)
}

func TestRefreshAnglesKeepsStateOnReadFault(t *testing.T) {
	bus := newFakeBus([]float64{0.1, 0.2, 0.3, 0.4, 0.5})
	ctrl := newController(t, omxChain(t), bus, nil)
	test.That(t, ctrl.Initialize(false), test.ShouldBeNil)

	before := ctrl.CurrentAngles()
	test.That(t, before[1].Pos, test.ShouldEqual, 0.1)
	test.That(t, before[5].Pos, test.ShouldEqual, 0.5)
	test.That(t, ctrl.Targets()[5], test.ShouldEqual, 0.5)

	bus.readErr = dynamixel.ErrBusRead
	err := ctrl.RefreshAngles()
	test.That(t, errors.Is(err, dynamixel.ErrBusRead), test.ShouldBeTrue)
	test.That(t, ctrl.Stale(), test.ShouldBeTrue)
	test.That(t, ctrl.CurrentAngles(), test.ShouldResemble, before)

	bus.readErr = nil
	bus.angles = []float64{0, 0, 0, 0, 0.2}
	test.That(t, ctrl.RefreshAngles(), test.ShouldBeNil)
	test.That(t, ctrl.Stale(), test.ShouldBeFalse)
	test.That(t, ctrl.CurrentAngles()[5].Pos, test.ShouldEqual, 0.2)

	bus.angles = []float64{0, 0}
	test.That(t, ctrl.RefreshAngles(), test.ShouldNotBeNil)
}

func TestInitializeBusFailure(t *testing.T) {
	bus := newFakeBus(nil)
	bus.initErr = dynamixel.ErrBusInit
	ctrl := newController(t, omxChain(t), bus, nil)
	test.That(t, errors.Is(ctrl.Initialize(true), dynamixel.ErrBusInit), test.ShouldBeTrue)
}

func TestScenarioNudgeUp(t *testing.T) {
	bus := newFakeBus([]float64{0.1, 0.3, 0.2, -0.6, 0.25})
	ctrl := newController(t, omxChain(t), bus, nil)
	test.That(t, ctrl.Initialize(true), test.ShouldBeNil)

	start := ctrl.ForwardKinematics().Position
	angles, err := ctrl.NudgePose(Up, DefaultNudgeStep)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(angles), test.ShouldEqual, 4)

	check := omxChain(t)
	full := append(append([]float64{0}, angles...), 0)
	check.SetJointAngles(full)
	kinematics.Forward(check, 0)
	got := check.Links[check.EndEffector()].P
	want := start.Add(Up.Offset(DefaultNudgeStep))
	test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, 1e-5)

	// Targets hold the solution; the gripper target is untouched.
	targets := ctrl.Targets()
	test.That(t, targets[1:5], test.ShouldResemble, angles)
	test.That(t, targets[5], test.ShouldEqual, 0.25)
	// Present state is unchanged until a move runs.
	test.That(t, ctrl.CurrentAngles()[2].Pos, test.ShouldEqual, 0.3)
}

func TestNudgeOutOfReachIsRejected(t *testing.T) {
	ctrl := newController(t, omxChain(t), nil, nil)
	test.That(t, ctrl.Initialize(false), test.ShouldBeNil)
	before := ctrl.Targets()

	// Fully stretched: no joint motion moves the tip further forward.
	_, err := ctrl.NudgePose(Forward, 0.05)
	test.That(t, errors.Is(err, kinematics.ErrNoConvergence), test.ShouldBeTrue)
	test.That(t, ctrl.Targets(), test.ShouldResemble, before)
}

func TestInverseKinematicsMethods(t *testing.T) {
	c := omxChain(t)
	ref := c.Clone()
	ref.SetJointAngles([]float64{0, 0.2, 0.4, -0.5, 0.3, 0})
	kinematics.Forward(ref, 0)
	goal := kinematics.LinkPose(ref, ref.EndEffector())

	bus := newFakeBus([]float64{0.15, 0.35, -0.45, 0.25, 0})
	ctrl := newController(t, c, bus, nil)
	test.That(t, ctrl.Initialize(true), test.ShouldBeNil)

	for _, m := range []kinematics.Method{kinematics.Direct, kinematics.Damped, kinematics.PositionOnly} {
		angles, err := ctrl.InverseKinematics(m, goal)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(angles), test.ShouldEqual, 4)
	}

	before := ctrl.Targets()
	far := kinematics.Pose{Orientation: chain.Identity()}
	far.Position.X = 5
	_, err := ctrl.InverseKinematics(kinematics.Damped, far)
	test.That(t, errors.Is(err, kinematics.ErrNoConvergence), test.ShouldBeTrue)
	_, err = ctrl.InverseKinematics(kinematics.Direct, far)
	test.That(t, errors.Is(err, kinematics.ErrNoConvergence), test.ShouldBeTrue)
	test.That(t, ctrl.Targets(), test.ShouldResemble, before)
}

func TestGripper(t *testing.T) {
	ctrl := newController(t, omxChain(t), nil, nil)
	test.That(t, ctrl.SetGripperAngle(0.3), test.ShouldBeNil)
	test.That(t, ctrl.Targets()[5], test.ShouldEqual, 0.3)

	noGripper := newController(t, sixJointChain(t), nil, nil)
	err := noGripper.SetGripperAngle(0.3)
	test.That(t, errors.Is(err, chain.ErrUnknownLink), test.ShouldBeTrue)
}

func TestTorque(t *testing.T) {
	bus := newFakeBus([]float64{0, 0, 0, 0, 0})
	ctrl := newController(t, omxChain(t), bus, nil)
	ctrl.SetTorque(false)
	ctrl.SetTorque(false)
	test.That(t, bus.torque, test.ShouldResemble, []bool{false, false})

	sim := newController(t, omxChain(t), nil, nil)
	sim.SetTorque(true)
}

func TestTickReentryGuard(t *testing.T) {
	ctrl := newController(t, sixJointChain(t), nil, nil)
	test.That(t, ctrl.SetJointAngles([]float64{1, 0, 0, 0, 0, 0}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(0.1), test.ShouldBeNil)

	ctrl.busy.Store(true)
	ctrl.Tick()
	test.That(t, ctrl.Overruns(), test.ShouldEqual, int64(1))
	test.That(t, ctrl.step, test.ShouldEqual, 0)

	ctrl.busy.Store(false)
	ctrl.Tick()
	test.That(t, ctrl.step, test.ShouldEqual, 1)
}

func TestStop(t *testing.T) {
	ctrl := newController(t, sixJointChain(t), nil, nil)
	test.That(t, ctrl.SetJointAngles([]float64{1, 0, 0, 0, 0, 0}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(1), test.ShouldBeNil)
	ticks(ctrl, 20)
	ctrl.Stop()
	test.That(t, ctrl.IsMoving(), test.ShouldBeFalse)
	test.That(t, ctrl.Status(), test.ShouldBeNil)
	pos := ctrl.CurrentAngles()[0].Pos
	test.That(t, pos, test.ShouldBeGreaterThan, 0)
	test.That(t, pos, test.ShouldBeLessThan, 1)
}

func TestMoveAfterStopStartsAtRest(t *testing.T) {
	ctrl := newController(t, sixJointChain(t), nil, nil)
	test.That(t, ctrl.SetJointAngles([]float64{1, 0, 0, 0, 0, 0}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(1), test.ShouldBeNil)
	ticks(ctrl, 50)
	test.That(t, ctrl.CurrentAngles()[0].Vel, test.ShouldBeGreaterThan, 0)
	ctrl.Stop()

	stopped := ctrl.CurrentAngles()
	test.That(t, stopped[0].Vel, test.ShouldEqual, 0)
	test.That(t, stopped[0].Acc, test.ShouldEqual, 0)
	test.That(t, ctrl.Targets()[0], test.ShouldEqual, stopped[0].Pos)

	// Holding still must not move the joint.
	test.That(t, ctrl.StartMove(1), test.ShouldBeNil)
	out := make([]chain.State, len(stopped))
	test.That(t, ctrl.interp.SampleAt(0, out), test.ShouldBeNil)
	test.That(t, out[0].Vel, test.ShouldEqual, 0)
	test.That(t, out[0].Acc, test.ShouldEqual, 0)
	for i := 0; i < 101; i++ {
		ctrl.Tick()
		test.That(t, ctrl.CurrentAngles()[0].Pos, test.ShouldAlmostEqual, stopped[0].Pos, 1e-9)
	}
	test.That(t, ctrl.IsMoving(), test.ShouldBeFalse)
}

func TestGripperMoveAfterStopHoldsArm(t *testing.T) {
	ctrl := newController(t, omxChain(t), nil, nil)
	test.That(t, ctrl.Initialize(false), test.ShouldBeNil)
	test.That(t, ctrl.SetJointAngles([]float64{1, 0, 0, 0}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(1), test.ShouldBeNil)
	ticks(ctrl, 20)
	ctrl.Stop()
	joint1 := ctrl.CurrentAngles()[1].Pos
	test.That(t, joint1, test.ShouldBeLessThan, 1)

	test.That(t, ctrl.SetGripperAngle(0.3), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(0.5), test.ShouldBeNil)
	ticks(ctrl, 51)
	test.That(t, ctrl.IsMoving(), test.ShouldBeFalse)
	now := ctrl.CurrentAngles()
	test.That(t, now[1].Pos, test.ShouldAlmostEqual, joint1, 1e-9)
	test.That(t, now[5].Pos, test.ShouldAlmostEqual, 0.3, 1e-9)
}

func TestNudgePastJointLimitIsRejected(t *testing.T) {
	c := omxChain(t)
	c.Links[1].Min = -math.Pi
	c.Links[1].Max = math.Pi
	bus := newFakeBus([]float64{3.13, 0.3, -0.5, 0.2, 0})
	ctrl := newController(t, c, bus, nil)
	test.That(t, ctrl.Initialize(true), test.ShouldBeNil)
	before := ctrl.Targets()

	// Base yaw is near +180 degrees; moving right needs it past the limit.
	_, err := ctrl.NudgePose(Right, 0.01)
	test.That(t, errors.Is(err, ErrJointLimit), test.ShouldBeTrue)
	test.That(t, ctrl.Targets(), test.ShouldResemble, before)

	// The other way stays inside.
	_, err = ctrl.NudgePose(Left, 0.01)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Targets()[1], test.ShouldBeLessThan, math.Pi)
}

func TestPoll(t *testing.T) {
	ctrl := newController(t, sixJointChain(t), nil, nil)
	t0 := time.Unix(100, 0)
	test.That(t, ctrl.Poll(t0), test.ShouldBeFalse)
	test.That(t, ctrl.Poll(t0.Add(5*time.Millisecond)), test.ShouldBeFalse)
	test.That(t, ctrl.Poll(t0.Add(10*time.Millisecond)), test.ShouldBeTrue)
	test.That(t, ctrl.Poll(t0.Add(15*time.Millisecond)), test.ShouldBeFalse)
	test.That(t, ctrl.Poll(t0.Add(21*time.Millisecond)), test.ShouldBeTrue)
}

func TestRunAndWaitIdle(t *testing.T) {
	c := sixJointChain(t)
	ctrl, err := New(Config{Period: time.Millisecond}, c, nil, nil, nil, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	test.That(t, ctrl.SetJointAngles([]float64{0, 0.3, 0, 0, 0, 0}), test.ShouldBeNil)
	test.That(t, ctrl.StartMove(0.05), test.ShouldBeNil)
	test.That(t, ctrl.WaitIdle(ctx), test.ShouldBeNil)
	test.That(t, ctrl.CurrentAngles()[1].Pos, test.ShouldAlmostEqual, 0.3, 1e-9)

	cancel()
	<-done

	expired, cancel2 := context.WithCancel(context.Background())
	cancel2()
	test.That(t, ctrl.StartMove(1), test.ShouldBeNil)
	test.That(t, errors.Is(ctrl.WaitIdle(expired), context.Canceled), test.ShouldBeTrue)
}

func TestDirections(t *testing.T) {
	for d := Forward; d <= Down; d++ {
		got, err := ParseDirection(d.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, d)
		test.That(t, d.Offset(0.01).Norm(), test.ShouldAlmostEqual, 0.01)
	}
	test.That(t, Left.Offset(1).Y, test.ShouldEqual, 1.0)
	test.That(t, Back.Offset(1).X, test.ShouldEqual, -1.0)
	_, err := ParseDirection("sideways")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, Direction(9).String(), test.ShouldEqual, "direction(9)")
}
