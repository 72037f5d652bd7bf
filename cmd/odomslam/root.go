package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	goutils "go.viam.com/utils"

	odomslam "github.com/viam-modules/viam-odomslam"
	vcConfig "github.com/viam-modules/viam-odomslam/config"
	"github.com/viam-modules/viam-odomslam/telemetry"
)

const (
	estimatorTimeout = 5 * time.Second
	jobDonePollRate  = time.Second
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = "development"
	GitRevision = ""
)

var (
	flagConfig    string
	flagDebug     bool
	flagTelemetry bool
)

var rootCmd = &cobra.Command{
	Use:          "odomslam",
	Short:        "Map with a lidar and wheel odometry",
	Version:      Version,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flagConfig, cmd.Flags())
		if err != nil {
			return err
		}

		logger := logging.NewLogger("odomslam")
		if flagDebug {
			logger.SetLevel(logging.DEBUG)
		}
		logger.Infow(odomslam.Model.String(), "version", Version, "git_rev", GitRevision)

		if flagTelemetry {
			exporter, err := telemetry.SetupTelemetry(telemetry.DefaultReportingInterval)
			if err != nil {
				return err
			}
			defer exporter.Stop()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagConfig, "config", "", "JSON or YAML file with service attributes")
	flags.BoolVar(&flagDebug, "debug", false, "log at debug level")
	flags.BoolVar(&flagTelemetry, "telemetry", false, "report trace spans to stdout")
	flags.String("transport", "", "udp or serial")
	flags.Int("scan-port", 0, "UDP port scans are published on")
	flags.Int("odometry-port", 0, "UDP port wheel counts are published on")
	flags.String("serial-path", "", "serial device streaming wheel counts")
	flags.Int("websocket-port", 0, "serve pose and map to websocket clients on this port")
	flags.String("snapshot-dir", "", "write map and trajectory snapshots to this directory")
}

// run maps until ctx is done or a display asks to stop.
func run(ctx context.Context, cfg *vcConfig.Config, logger logging.Logger) error {
	svc, err := odomslam.New(ctx, nil, resource.Config{
		Name:                "odomslam",
		API:                 generic.API,
		Model:               odomslam.Model,
		ConvertedAttributes: cfg,
	}, logger, estimatorTimeout, odomslam.Overrides{})
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(func() error { return svc.Close(context.Background()) })

	for goutils.SelectContextOrWait(ctx, jobDonePollRate) {
		resp, err := svc.DoCommand(ctx, map[string]interface{}{"job_done": ""})
		if err != nil {
			return err
		}
		if done, _ := resp["job_done"].(bool); done {
			break
		}
	}

	if cfg.SnapshotDir != "" {
		resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"save_map": ""})
		if err != nil {
			return err
		}
		logger.Infow("saved final map", "file", resp["save_map"])
	}
	return nil
}
