// Package arm provides the Viam arm component for the OpenManipulator.
package arm

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"

	"github.com/opan08/open-manipulator/chain"
	"github.com/opan08/open-manipulator/control"
	"github.com/opan08/open-manipulator/dynamixel"
	"github.com/opan08/open-manipulator/kinematics"
	"github.com/opan08/open-manipulator/trajectory"
)

//go:embed omx_kinematics.json
var kinematicsJSON []byte

// Model is the Viam model for the OpenManipulator arm.
var Model = resource.NewModel("opan08", "open-manipulator", "omx")

// DefaultTelemetryBaudRate is the rate the Processing plotter listens at.
const DefaultTelemetryBaudRate = 57600

func init() {
	resource.RegisterComponent(arm.API, Model, resource.Registration[arm.Arm, *Config]{
		Constructor: NewOpenManipulator,
	})
}

// Config is the configuration for the OpenManipulator arm.
type Config struct {
	USBPort           string  `json:"usb_port,omitempty"`
	BaudRate          int     `json:"baud_rate,omitempty"`
	UsePlatform       *bool   `json:"use_platform,omitempty"` // defaults to true when usb_port is set
	Torque            *bool   `json:"torque,omitempty"`
	MoveTimeSec       float64 `json:"move_time_sec,omitempty"`
	ControlPeriodMs   int     `json:"control_period_ms,omitempty"`
	TelemetryPort     string  `json:"telemetry_port,omitempty"`
	TelemetryBaudRate int     `json:"telemetry_baud_rate,omitempty"`
}

// Validate validates the config.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.platform() && c.USBPort == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "usb_port")
	}
	if c.MoveTimeSec < 0 {
		return nil, nil, resource.NewConfigValidationError(path, errors.New("move_time_sec must be positive"))
	}
	if c.ControlPeriodMs < 0 {
		return nil, nil, resource.NewConfigValidationError(path, errors.New("control_period_ms must be positive"))
	}
	return nil, nil, nil
}

func (c *Config) platform() bool {
	if c.UsePlatform != nil {
		return *c.UsePlatform
	}
	return c.USBPort != ""
}

func (c *Config) torque() bool {
	return c.Torque == nil || *c.Torque
}

func (c *Config) controlConfig() control.Config {
	return control.Config{
		Period:       time.Duration(c.ControlPeriodMs) * time.Millisecond,
		MoveTime:     c.MoveTimeSec,
		UseTelemetry: c.TelemetryPort != "",
		UsePlatform:  c.platform(),
	}
}

// openManipulator implements arm.Arm on top of the control loop.
type openManipulator struct {
	resource.Named
	resource.AlwaysRebuild

	ctrl    *control.Controller
	model   referenceframe.Model
	logger  logging.Logger
	closers []io.Closer

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewOpenManipulator creates a new OpenManipulator arm component.
func NewOpenManipulator(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (arm.Arm, error) {
	config, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	c, err := chain.Load(kinematicsJSON)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load chain")
	}

	var (
		bus     control.Bus
		closers []io.Closer
		sink    io.Writer
	)
	if config.platform() {
		baudRate := config.BaudRate
		if baudRate == 0 {
			baudRate = dynamixel.DefaultBaudRate
		}
		logger.Infof("Opening Dynamixel bus on %s at %d baud", config.USBPort, baudRate)
		driver, err := dynamixel.NewDriver(config.USBPort, baudRate, c, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize Dynamixel driver")
		}
		bus = driver
		closers = append(closers, driver)
	}
	if config.TelemetryPort != "" {
		baudRate := config.TelemetryBaudRate
		if baudRate == 0 {
			baudRate = DefaultTelemetryBaudRate
		}
		port, err := serial.Open(config.TelemetryPort, &serial.Mode{BaudRate: baudRate})
		if err != nil {
			return nil, multierr.Combine(
				errors.Wrapf(err, "failed to open telemetry port %s", config.TelemetryPort),
				closeAll(closers))
		}
		sink = port
		closers = append(closers, port)
	}

	a, err := newOpenManipulator(conf.ResourceName().AsNamed(), config, c, bus, sink, logger, closers...)
	if err != nil {
		return nil, multierr.Combine(err, closeAll(closers))
	}
	return a, nil
}

// newOpenManipulator wires the controller, initializes it and starts the control loop.
func newOpenManipulator(
	named resource.Named,
	config *Config,
	c *chain.Chain,
	bus control.Bus,
	sink io.Writer,
	logger logging.Logger,
	closers ...io.Closer,
) (*openManipulator, error) {
	model, err := referenceframe.UnmarshalModelJSON(kinematicsJSON, named.Name().ShortName())
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse kinematics JSON")
	}

	ctrl, err := control.New(config.controlConfig(), c, bus, kinematics.NewSolver(), trajectory.New(c.Len()), sink, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create controller")
	}
	if err := ctrl.Initialize(config.torque()); err != nil {
		return nil, errors.Wrap(err, "failed to initialize controller")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a := &openManipulator{
		Named:   named,
		ctrl:    ctrl,
		model:   model,
		logger:  logger,
		closers: closers,
		cancel:  cancel,
	}
	a.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer a.workers.Done()
		ctrl.Run(loopCtx)
	})

	logger.Infof("OpenManipulator arm initialized: platform %v, period %v, move time %.2f s",
		config.platform(), ctrl.Period(), ctrl.MoveDuration())
	return a, nil
}

func closeAll(closers []io.Closer) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i].Close())
	}
	return err
}

// moveAndWait starts a move to the stored targets and blocks until it ends. A cancelled
// context stops the arm where it is.
func (a *openManipulator) moveAndWait(ctx context.Context) error {
	if err := a.ctrl.Move(); err != nil {
		return err
	}
	if err := a.ctrl.WaitIdle(ctx); err != nil {
		if ctx.Err() != nil {
			a.ctrl.Stop()
		}
		return errors.Wrap(err, "move failed")
	}
	return nil
}

// armAngles returns the present angle of every arm joint.
func (a *openManipulator) armAngles() []float64 {
	r := a.ctrl.Chain().ArmRange()
	states := a.ctrl.CurrentAngles()[r.From:r.To]
	angles := make([]float64, len(states))
	for i, s := range states {
		angles[i] = s.Pos
	}
	return angles
}

// EndPosition returns the current end-effector pose using forward kinematics.
func (a *openManipulator) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	return a.ctrl.ForwardKinematics().ToSpatial(), nil
}

// MoveToPosition solves inverse kinematics for pose and moves there. The solver is
// chosen with extra["ik_method"] ("direct", "damped" or "position"), default direct.
func (a *openManipulator) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	method := kinematics.Direct
	if v, ok := extra["ik_method"]; ok {
		s, ok := v.(string)
		if !ok {
			return errors.New("ik_method must be a string")
		}
		var err error
		if method, err = kinematics.ParseMethod(s); err != nil {
			return err
		}
	}

	goal := kinematics.FromSpatial(pose)
	angles, err := a.ctrl.InverseKinematics(method, goal)
	if err != nil {
		return errors.Wrapf(err, "no %s solution for %v", method, spatialmath.PoseToProtobuf(pose))
	}
	a.logger.Debugf("MoveToPosition: %s solution %v", method, angles)
	return a.moveAndWait(ctx)
}

// MoveToJointPositions moves the arm to the specified joint positions.
func (a *openManipulator) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	c := a.ctrl.Chain()
	r := c.ArmRange()
	if len(positions) != r.Len() {
		return fmt.Errorf("expected %d joint positions, got %d", r.Len(), len(positions))
	}

	radians := make([]float64, len(positions))
	for i, pos := range positions {
		radians[i] = float64(pos)
		l := &c.Links[r.From+i]
		if !l.WithinLimits(radians[i]) {
			return fmt.Errorf("joint %s position %.1f° out of range [%.1f, %.1f]",
				l.Name, dynamixel.RadiansToDegrees(radians[i]),
				dynamixel.RadiansToDegrees(l.Min), dynamixel.RadiansToDegrees(l.Max))
		}
	}

	if err := a.ctrl.SetJointAngles(radians); err != nil {
		return err
	}
	return a.moveAndWait(ctx)
}

// MoveThroughJointPositions moves the arm through a series of joint positions.
func (a *openManipulator) MoveThroughJointPositions(ctx context.Context, positions [][]referenceframe.Input, options *arm.MoveOptions, extra map[string]any) error {
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.MoveToJointPositions(ctx, pos, extra); err != nil {
			return err
		}
	}
	return nil
}

// JointPositions returns the current joint positions. While idle they are read back from
// the bus; a failed read returns the last known angles.
func (a *openManipulator) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	if !a.ctrl.IsMoving() {
		if err := a.ctrl.RefreshAngles(); err != nil {
			a.logger.Debugf("JointPositions: %v", err)
		}
	}
	angles := a.armAngles()
	inputs := make([]referenceframe.Input, len(angles))
	for i, rad := range angles {
		inputs[i] = referenceframe.Input(rad)
	}
	return inputs, nil
}

// Stop ends any move in progress; the arm holds its last commanded position.
func (a *openManipulator) Stop(ctx context.Context, extra map[string]interface{}) error {
	a.ctrl.Stop()
	return nil
}

// IsMoving returns whether a move is in progress.
func (a *openManipulator) IsMoving(ctx context.Context) (bool, error) {
	return a.ctrl.IsMoving(), nil
}

// ModelFrame returns the kinematics model.
func (a *openManipulator) ModelFrame() referenceframe.Model {
	return a.model
}

// Kinematics returns the kinematics model.
func (a *openManipulator) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return a.model, nil
}

// CurrentInputs returns the current joint positions as referenceframe inputs.
func (a *openManipulator) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return a.JointPositions(ctx, nil)
}

// GoToInputs moves the arm through the specified joint position waypoints.
func (a *openManipulator) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	return a.MoveThroughJointPositions(ctx, inputSteps, nil, nil)
}

// Geometries returns the geometries of the arm in its current configuration.
func (a *openManipulator) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	inputs, err := a.CurrentInputs(ctx)
	if err != nil {
		return nil, err
	}
	gifs, err := a.model.Geometries(inputs)
	if err != nil {
		return nil, err
	}
	return gifs.Geometries(), nil
}

// Get3DModels returns no meshes; the module ships none and the visualizer falls back to
// the kinematic geometries.
func (a *openManipulator) Get3DModels(ctx context.Context, extra map[string]interface{}) (map[string]*commonpb.Mesh, error) {
	return map[string]*commonpb.Mesh{}, nil
}

// DoCommand handles custom commands:
//
//	{"enable_torque": bool}
//	{"set_move_time": seconds}
//	{"nudge": {"direction": "up", "step": metres}}
//	{"gripper": radians}
//	{"status": true}
//	{"clear_status": true}
func (a *openManipulator) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	if val, ok := cmd["enable_torque"]; ok {
		enable, ok := val.(bool)
		if !ok {
			return nil, errors.New("enable_torque must be a boolean")
		}
		a.ctrl.SetTorque(enable)
		if enable {
			result["torque"] = "enabled"
		} else {
			result["torque"] = "disabled"
		}
	}

	if val, ok := cmd["set_move_time"]; ok {
		seconds, ok := val.(float64)
		if !ok {
			return nil, errors.New("set_move_time must be a number (seconds)")
		}
		if err := a.ctrl.SetMoveDuration(seconds); err != nil {
			return nil, err
		}
		result["move_time"] = seconds
	}

	if val, ok := cmd["nudge"]; ok {
		angles, err := a.nudge(ctx, val)
		if err != nil {
			return nil, err
		}
		result["nudge"] = angles
	}

	if val, ok := cmd["gripper"]; ok {
		radians, ok := val.(float64)
		if !ok {
			return nil, errors.New("gripper must be a number (radians)")
		}
		if err := a.ctrl.SetGripperAngle(radians); err != nil {
			return nil, err
		}
		if err := a.moveAndWait(ctx); err != nil {
			return nil, err
		}
		result["gripper"] = radians
	}

	if _, ok := cmd["get_gripper"]; ok {
		if err := a.ctrl.RefreshAngles(); err != nil {
			a.logger.Debugf("get_gripper: %v", err)
		}
		r := a.ctrl.Chain().GripperRange()
		if r.Len() == 0 {
			return nil, errors.New("arm has no gripper")
		}
		result["gripper_position"] = a.ctrl.CurrentAngles()[r.From].Pos
	}

	if _, ok := cmd["status"]; ok {
		result["moving"] = a.ctrl.IsMoving()
		result["stale"] = a.ctrl.Stale()
		result["overruns"] = a.ctrl.Overruns()
		result["move_time"] = a.ctrl.MoveDuration()
		if err := a.ctrl.Status(); err != nil {
			result["error"] = err.Error()
		}
	}

	if _, ok := cmd["clear_status"]; ok {
		a.ctrl.ClearStatus()
		result["status"] = "cleared"
	}

	return result, nil
}

type nudgeCommand struct {
	Direction string  `json:"direction"`
	Step      float64 `json:"step"`
}

// nudge offsets the end effector along one base axis and moves there.
func (a *openManipulator) nudge(ctx context.Context, val interface{}) ([]float64, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, errors.Wrap(err, "bad nudge command")
	}
	cmd := nudgeCommand{Step: control.DefaultNudgeStep}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, errors.Wrap(err, "nudge must be {\"direction\": string, \"step\": number}")
	}
	dir, err := control.ParseDirection(cmd.Direction)
	if err != nil {
		return nil, err
	}
	angles, err := a.ctrl.NudgePose(dir, cmd.Step)
	if err != nil {
		return nil, err
	}
	if err := a.moveAndWait(ctx); err != nil {
		return nil, err
	}
	return angles, nil
}

// Close stops the control loop, then releases the bus and telemetry port.
func (a *openManipulator) Close(ctx context.Context) error {
	a.cancel()
	a.workers.Wait()
	a.ctrl.Stop()

	err := closeAll(a.closers)
	a.closers = nil
	a.logger.Info("OpenManipulator arm closed")
	return err
}
