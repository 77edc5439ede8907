// Package control runs the trajectory state machine that moves the arm on a fixed-period tick.
package control

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"

	"github.com/opan08/open-manipulator/chain"
	"github.com/opan08/open-manipulator/kinematics"
	"github.com/opan08/open-manipulator/trajectory"
)

// Defaults for Config.
const (
	DefaultPeriod            = 10 * time.Millisecond
	DefaultMoveTime          = 3.0
	DefaultNudgeStep         = 0.010
	DefaultResidualTolerance = 1e-3
)

var (
	// ErrMoveInProgress rejects commands that would change an in-flight move.
	ErrMoveInProgress = errors.New("move in progress")
	// ErrNoPlatform is returned when a physical platform is requested without a bus.
	ErrNoPlatform = errors.New("no actuator bus attached")
	// ErrJointLimit rejects a solution that puts a joint outside its limits.
	ErrJointLimit = errors.New("joint limit exceeded")
)

// Bus is the actuator bus adapter. ReadAngles and Initialize return one value per
// actuated link; WriteAngles takes states indexed by chain link.
type Bus interface {
	Initialize(torque bool) ([]float64, error)
	ReadAngles() ([]float64, error)
	WriteAngles(states []chain.State) error
	SetTorque(enabled bool)
}

// Config holds the timing and output options of a Controller.
type Config struct {
	Period            time.Duration
	MoveTime          float64 // seconds
	UseTelemetry      bool
	UsePlatform       bool
	ResidualTolerance float64 // accepted pose error of the damped IK variant
}

func (c *Config) setDefaults() {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.MoveTime <= 0 {
		c.MoveTime = DefaultMoveTime
	}
	if c.ResidualTolerance <= 0 {
		c.ResidualTolerance = DefaultResidualTolerance
	}
}

// Controller is the Idle/Moving state machine.
//
// Tick is the only code that advances a move. Commands and Tick share mu, so arming a
// move is a critical section the tick can never observe half done. busy guards Tick
// against overlapping with itself.
type Controller struct {
	mu   sync.Mutex
	busy atomic.Bool

	cfg       Config
	chain     *chain.Chain
	store     *chain.Store
	solver    *kinematics.Solver
	interp    *trajectory.MinimumJerk
	bus       Bus
	telemetry *Telemetry
	logger    logging.Logger

	actuated     []int
	armRange     chain.Range
	gripperRange chain.Range
	end          int
	sample       []chain.State

	moveTime  float64
	step      int
	stepCount int
	moving    bool
	status    error
	stale     bool
	overruns  atomic.Int64
	lastPoll  time.Time
}

// New wires a controller to its collaborators. c is owned by the caller and must outlive
// the controller. bus may be nil when cfg.UsePlatform is false.
func New(
	cfg Config,
	c *chain.Chain,
	bus Bus,
	solver *kinematics.Solver,
	interp *trajectory.MinimumJerk,
	sink io.Writer,
	logger logging.Logger,
) (*Controller, error) {
	cfg.setDefaults()
	if cfg.UsePlatform && bus == nil {
		return nil, ErrNoPlatform
	}
	armRange := c.ArmRange()
	if armRange.Len() == 0 {
		return nil, fmt.Errorf("%w: chain %q has no revolute joints", chain.ErrUnknownLink, c.Name)
	}
	if solver == nil {
		solver = kinematics.NewSolver()
	}
	if interp == nil {
		interp = trajectory.New(c.Len())
	}
	ctrl := &Controller{
		cfg:          cfg,
		chain:        c,
		store:        chain.NewStore(c.Len()),
		solver:       solver,
		interp:       interp,
		bus:          bus,
		logger:       logger,
		actuated:     c.Actuated(),
		armRange:     armRange,
		gripperRange: c.GripperRange(),
		end:          c.EndEffector(),
		sample:       make([]chain.State, c.Len()),
		moveTime:     cfg.MoveTime,
	}
	if cfg.UseTelemetry {
		if sink == nil {
			return nil, errors.New("telemetry enabled without a sink")
		}
		ctrl.telemetry = NewTelemetry(sink, ctrl.actuated)
	}
	return ctrl, nil
}

// Initialize sends the telemetry handshake, brings up the bus and primes the present
// angles from it, then runs forward kinematics. A bus failure here is fatal to the caller.
func (c *Controller) Initialize(torque bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.telemetry != nil {
		if err := c.telemetry.Init(); err != nil {
			c.logger.Warnf("telemetry handshake failed: %v", err)
		}
	}

	if c.cfg.UsePlatform {
		angles, err := c.bus.Initialize(torque)
		if err != nil {
			return err
		}
		if err := c.setMeasured(angles); err != nil {
			return err
		}
	}
	// Joints nobody commands stay where they are.
	if err := c.store.SetTargetAngles(c.store.Present(), chain.Range{From: 0, To: c.store.Len()}); err != nil {
		return err
	}

	c.forwardLocked()
	c.logger.Infof("controller initialized: %d links, %d actuated, period %v, platform %v",
		c.chain.Len(), len(c.actuated), c.cfg.Period, c.cfg.UsePlatform)
	return nil
}

// setMeasured maps one angle per actuated link onto the store.
func (c *Controller) setMeasured(angles []float64) error {
	if len(angles) != len(c.actuated) {
		return fmt.Errorf("bus returned %d angles for %d actuated links", len(angles), len(c.actuated))
	}
	present := c.store.Present()
	for k, i := range c.actuated {
		present[i] = angles[k]
	}
	c.store.SetPresent(present)
	return nil
}

// RefreshAngles reads the present angles from the bus. On failure the previous state is
// kept and telemetry is marked stale.
func (c *Controller) RefreshAngles() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.UsePlatform {
		return nil
	}
	angles, err := c.bus.ReadAngles()
	if err == nil {
		err = c.setMeasured(angles)
	}
	if err != nil {
		c.stale = true
		c.logger.Warnf("keeping last known angles: %v", err)
		return err
	}
	c.stale = false
	return nil
}

// SetJointAngles sets the target of every arm joint.
func (c *Controller) SetJointAngles(radians []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.moving {
		return ErrMoveInProgress
	}
	return c.store.SetTargetAngles(radians, c.armRange)
}

// SetGripperAngle sets the target of the gripper joint.
func (c *Controller) SetGripperAngle(radian float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gripperRange.Len() == 0 {
		return fmt.Errorf("%w: chain %q has no gripper", chain.ErrUnknownLink, c.chain.Name)
	}
	if c.moving {
		return ErrMoveInProgress
	}
	return c.store.SetTargetAngles([]float64{radian}, c.gripperRange)
}

// SetMoveDuration sets the duration used by Move.
func (c *Controller) SetMoveDuration(seconds float64) error {
	if seconds <= 0 {
		return fmt.Errorf("%w: %v s", trajectory.ErrInvalidDuration, seconds)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveTime = seconds
	return nil
}

// MoveDuration returns the duration used by Move.
func (c *Controller) MoveDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveTime
}

// Move starts a move with the configured duration.
func (c *Controller) Move() error {
	return c.StartMove(c.MoveDuration())
}

// StartMove arms a trajectory from the present state to the targets and enters Moving.
// A move cannot be preempted: while Moving it returns ErrMoveInProgress.
func (c *Controller) StartMove(duration float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.moving {
		return ErrMoveInProgress
	}

	start := c.store.CurrentAngles()
	targets := c.store.Targets()
	target := make([]chain.State, len(targets))
	for i, t := range targets {
		target[i] = chain.State{Pos: t}
	}
	if err := c.interp.SetBoundaryConditions(start, target, len(start), duration, c.cfg.Period.Seconds()); err != nil {
		return err
	}

	c.moveTime = duration
	c.stepCount = c.interp.StepCount()
	c.step = 0
	c.status = nil
	c.moving = true
	c.logger.Debugf("move armed: %.3f s, %d steps", duration, c.stepCount)
	return nil
}

// Tick is the periodic control handler. It never returns an error: failures force the
// state machine to Idle and are latched for Status.
func (c *Controller) Tick() {
	if !c.busy.CompareAndSwap(false, true) {
		c.overruns.Add(1)
		return
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.moving {
		return
	}
	if c.step >= c.stepCount {
		c.finishLocked()
		return
	}

	if err := c.interp.SampleAt(c.step, c.sample); err != nil {
		c.abortLocked(err)
		return
	}

	if c.cfg.UsePlatform {
		if err := c.bus.WriteAngles(c.sample); err != nil {
			c.abortLocked(err)
			return
		}
	}

	if c.telemetry != nil {
		if err := c.telemetry.Angle(c.sample); err != nil {
			c.logger.Debugf("telemetry write failed: %v", err)
		}
	}

	c.store.Commit(c.sample)
	c.step++
	if c.step >= c.stepCount {
		c.finishLocked()
	}
}

func (c *Controller) finishLocked() {
	c.step = 0
	c.moving = false
}

// abortLocked is the forced Idle transition. Present state keeps the last committed sample,
// which also becomes the target.
func (c *Controller) abortLocked(err error) {
	c.logger.Warnf("aborting move at step %d of %d: %v", c.step, c.stepCount, err)
	c.status = err
	c.finishLocked()
	c.store.Halt()
}

// Stop forces Idle without latching an error. The arm holds the last committed sample and
// any pending targets are dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.moving {
		c.logger.Infof("move stopped at step %d of %d", c.step, c.stepCount)
	}
	c.finishLocked()
	c.store.Halt()
}

// NudgePose offsets the end-effector position by step along dir, solves position-only
// inverse kinematics from the present angles and stores the result as the arm target.
// On failure nothing changes.
func (c *Controller) NudgePose(dir Direction, step float64) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.moving {
		return nil, ErrMoveInProgress
	}
	goal := c.forwardLocked().Position.Add(dir.Offset(step))
	sol, err := c.solver.PositionOnlyInverse(c.chain, c.end, goal)
	if err != nil {
		return nil, fmt.Errorf("nudge %s: %w", dir, err)
	}
	return c.applySolutionLocked(sol)
}

// InverseKinematics solves for goal with the given method from the present angles and
// stores the result as the arm target. A damped solve whose residual exceeds
// ResidualTolerance is rejected like a failed solve.
func (c *Controller) InverseKinematics(method kinematics.Method, goal kinematics.Pose) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.moving {
		return nil, ErrMoveInProgress
	}
	c.forwardLocked()
	sol, err := c.solver.Solve(method, c.chain, c.end, goal)
	if err != nil {
		return nil, err
	}
	if sol.Residual > c.cfg.ResidualTolerance {
		return nil, fmt.Errorf("%w: %s residual %.3g", kinematics.ErrNoConvergence, method, sol.Residual)
	}
	return c.applySolutionLocked(sol)
}

func (c *Controller) applySolutionLocked(sol kinematics.Solution) ([]float64, error) {
	angles := append([]float64(nil), sol.Angles[c.armRange.From:c.armRange.To]...)
	for k, a := range angles {
		l := &c.chain.Links[c.armRange.From+k]
		if !l.WithinLimits(a) {
			return nil, fmt.Errorf("%w: %s at %.4f rad, limits [%.4f, %.4f]", ErrJointLimit, l.Name, a, l.Min, l.Max)
		}
	}
	if err := c.store.SetTargetAngles(angles, c.armRange); err != nil {
		return nil, err
	}
	return angles, nil
}

// ForwardKinematics returns the end-effector pose at the present angles.
func (c *Controller) ForwardKinematics() kinematics.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forwardLocked()
}

func (c *Controller) forwardLocked() kinematics.Pose {
	c.chain.SetJointAngles(c.store.Present())
	kinematics.Forward(c.chain, 0)
	return kinematics.LinkPose(c.chain, c.end)
}

// SetTorque enables or disables motor torque. It is a no-op in simulation.
func (c *Controller) SetTorque(enabled bool) {
	if !c.cfg.UsePlatform {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus.SetTorque(enabled)
}

// IsMoving reports whether the state machine is in Moving.
func (c *Controller) IsMoving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moving
}

// CurrentAngles returns a snapshot of every link's state.
func (c *Controller) CurrentAngles() []chain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.CurrentAngles()
}

// Targets returns the target angle of every link.
func (c *Controller) Targets() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Targets()
}

// Status returns the error that last forced the state machine to Idle, if any.
func (c *Controller) Status() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ClearStatus resets the latched status.
func (c *Controller) ClearStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = nil
}

// Stale reports whether the last bus read failed.
func (c *Controller) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Overruns counts ticks skipped because the previous tick was still running.
func (c *Controller) Overruns() int64 {
	return c.overruns.Load()
}

// Chain returns the chain the controller drives.
func (c *Controller) Chain() *chain.Chain {
	return c.chain
}

// Period returns the control tick period.
func (c *Controller) Period() time.Duration {
	return c.cfg.Period
}
