// Package gripper provides the Viam gripper component for the OpenManipulator.
// The gripper motor sits on the arm's bus, so every call goes through the arm.
package gripper

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"github.com/opan08/open-manipulator/dynamixel"
)

// Model is the Viam model for the OpenManipulator gripper.
var Model = resource.NewModel("opan08", "open-manipulator", "omx-gripper")

// Default jaw angles in radians.
const (
	DefaultOpenPosition  = -0.6
	DefaultClosePosition = 0.4
)

func init() {
	resource.RegisterComponent(gripper.API, Model, resource.Registration[gripper.Gripper, *Config]{
		Constructor: NewOMXGripper,
	})
}

// Config is the configuration for the OpenManipulator gripper. Positions are degrees.
type Config struct {
	Arm           string   `json:"arm"`
	OpenPosition  *float64 `json:"open_position,omitempty"`
	ClosePosition *float64 `json:"close_position,omitempty"`
}

// Validate validates the config and declares the arm dependency.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.Arm == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "arm")
	}
	return []string{arm.Named(c.Arm).String()}, nil, nil
}

// omxGripper implements the gripper.Gripper interface.
type omxGripper struct {
	resource.Named
	resource.AlwaysRebuild

	arm           arm.Arm
	logger        logging.Logger
	openPosition  float64
	closePosition float64
}

// NewOMXGripper creates a new OpenManipulator gripper component.
func NewOMXGripper(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (gripper.Gripper, error) {
	config, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	a, err := arm.FromDependencies(deps, config.Arm)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get arm %q", config.Arm)
	}
	return newOMXGripper(conf.ResourceName().AsNamed(), config, a, logger), nil
}

func newOMXGripper(named resource.Named, config *Config, a arm.Arm, logger logging.Logger) *omxGripper {
	g := &omxGripper{
		Named:         named,
		arm:           a,
		logger:        logger,
		openPosition:  DefaultOpenPosition,
		closePosition: DefaultClosePosition,
	}
	if config.OpenPosition != nil {
		g.openPosition = dynamixel.DegreesToRadians(*config.OpenPosition)
	}
	if config.ClosePosition != nil {
		g.closePosition = dynamixel.DegreesToRadians(*config.ClosePosition)
	}
	logger.Infof("OpenManipulator gripper on arm %s: open %.3f rad, close %.3f rad",
		config.Arm, g.openPosition, g.closePosition)
	return g
}

// moveTo drives the gripper joint and waits for the move to end.
func (g *omxGripper) moveTo(ctx context.Context, radians float64) error {
	_, err := g.arm.DoCommand(ctx, map[string]interface{}{"gripper": radians})
	return err
}

func (g *omxGripper) position(ctx context.Context) (float64, error) {
	res, err := g.arm.DoCommand(ctx, map[string]interface{}{"get_gripper": true})
	if err != nil {
		return 0, err
	}
	pos, ok := res["gripper_position"].(float64)
	if !ok {
		return 0, errors.Errorf("arm returned gripper position %v", res["gripper_position"])
	}
	return pos, nil
}

// Open opens the gripper.
func (g *omxGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	return g.moveTo(ctx, g.openPosition)
}

// Grab closes the gripper to grab an object.
func (g *omxGripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	if err := g.moveTo(ctx, g.closePosition); err != nil {
		return false, err
	}
	// No load feedback; a completed close counts as a grab.
	return true, nil
}

// IsHoldingSomething always reports false; the motors give no load feedback here.
func (g *omxGripper) IsHoldingSomething(ctx context.Context, extra map[string]interface{}) (gripper.HoldingStatus, error) {
	return gripper.HoldingStatus{
		IsHoldingSomething: false,
	}, nil
}

// Stop stops the shared arm move.
func (g *omxGripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	return g.arm.Stop(ctx, extra)
}

// IsMoving reports whether the arm, and with it the gripper, is moving.
func (g *omxGripper) IsMoving(ctx context.Context) (bool, error) {
	return g.arm.IsMoving(ctx)
}

// Geometries returns a box around the jaws.
func (g *omxGripper) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	box, err := spatialmath.NewBox(spatialmath.NewZeroPose(), r3.Vector{X: 70, Y: 60, Z: 40}, g.Name().ShortName())
	if err != nil {
		return nil, err
	}
	return []spatialmath.Geometry{box}, nil
}

// ModelFrame returns nil as grippers don't have a kinematic model.
func (g *omxGripper) ModelFrame() referenceframe.Model {
	return nil
}

// Kinematics returns nil as grippers don't have a kinematic model.
func (g *omxGripper) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, nil
}

// CurrentInputs returns the jaw angle as referenceframe inputs.
func (g *omxGripper) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	pos, err := g.position(ctx)
	if err != nil {
		return nil, err
	}
	return []referenceframe.Input{referenceframe.Input(pos)}, nil
}

// GoToInputs moves the gripper through the given jaw angles.
func (g *omxGripper) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	for _, step := range inputSteps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(step) == 0 {
			continue
		}
		if err := g.moveTo(ctx, float64(step[0])); err != nil {
			return err
		}
	}
	return nil
}

// DoCommand handles custom commands: {"get_position": true} and {"set_position": degrees}.
func (g *omxGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	if _, ok := cmd["get_position"]; ok {
		pos, err := g.position(ctx)
		if err != nil {
			return nil, err
		}
		result["position"] = dynamixel.RadiansToDegrees(pos)
	}

	if val, ok := cmd["set_position"]; ok {
		degrees, ok := val.(float64)
		if !ok {
			return nil, errors.New("set_position must be a number (degrees)")
		}
		if err := g.moveTo(ctx, dynamixel.DegreesToRadians(degrees)); err != nil {
			return nil, err
		}
		result["set_position"] = degrees
	}

	return result, nil
}

// Close is a no-op; the arm owns the bus.
func (g *omxGripper) Close(ctx context.Context) error {
	return nil
}
