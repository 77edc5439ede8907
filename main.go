// Package main is the entry point for the OpenManipulator Viam module.
package main

import (
	"context"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"

	omxArm "github.com/opan08/open-manipulator/arm"
	omxGripper "github.com/opan08/open-manipulator/gripper"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("open-manipulator"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	mod, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err := mod.AddModelFromRegistry(ctx, arm.API, omxArm.Model); err != nil {
		return err
	}
	// The gripper depends on the arm for bus access.
	if err := mod.AddModelFromRegistry(ctx, gripper.API, omxGripper.Model); err != nil {
		return err
	}

	if err := mod.Start(ctx); err != nil {
		return err
	}
	defer mod.Close(ctx)

	logger.Infof("open-manipulator module serving %s and %s", omxArm.Model, omxGripper.Model)
	<-ctx.Done()
	return nil
}
