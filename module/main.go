// Package main is a module with an odometry SLAM service model.
package main

import (
	"context"
	"strings"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/utils"

	odomslam "github.com/viam-modules/viam-odomslam"
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = "development"
	GitRevision = ""
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("odomslamModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var versionFields []interface{}
	if Version != "" {
		versionFields = append(versionFields, "version", Version)
	}
	if GitRevision != "" {
		versionFields = append(versionFields, "git_rev", GitRevision)
	}
	if len(versionFields) != 0 {
		logger.Infow(odomslam.Model.String(), versionFields...)
	} else {
		logger.Info(odomslam.Model.String() + " built from source; version unknown")
	}

	if len(args) == 2 && strings.HasSuffix(args[1], "-version") {
		return nil
	}

	slamModule, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err = slamModule.AddModelFromRegistry(ctx, generic.API, odomslam.Model); err != nil {
		return err
	}

	err = slamModule.Start(ctx)
	defer slamModule.Close(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
