// Package odomslam implements a SLAM service that fuses wheel odometry with lidar scans.
package odomslam

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	viamgrpc "go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/spatialmath"

	vcConfig "github.com/viam-modules/viam-odomslam/config"
	"github.com/viam-modules/viam-odomslam/dataprocess"
	"github.com/viam-modules/viam-odomslam/display"
	"github.com/viam-modules/viam-odomslam/estimator"
	"github.com/viam-modules/viam-odomslam/fusionloop"
	"github.com/viam-modules/viam-odomslam/kinematics"
	"github.com/viam-modules/viam-odomslam/scangate"
	s "github.com/viam-modules/viam-odomslam/sensors"
)

// Model is the model name of the odometry SLAM service.
var Model = resource.NewModel("viam", "slam", "odomslam")

const (
	defaultEstimatorTimeout  = 5 * time.Second
	sensorValidationInterval = 500 * time.Millisecond
	websocketMapEveryNFrames = 10
)

var (
	// ErrClosed denotes that the slam service method was called on a closed slam resource.
	ErrClosed = errors.Errorf("resource (%s) is closed", Model.String())
	// ErrNoSnapshotPath denotes that save_map was requested without a file and without snapshot_dir.
	ErrNoSnapshotPath = errors.New("save_map requires a file path when snapshot_dir is not configured")
)

func init() {
	resource.RegisterService(generic.API, Model, resource.Registration[resource.Resource, *vcConfig.Config]{
		Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			c resource.Config,
			logger logging.Logger,
		) (resource.Resource, error) {
			svc, err := New(ctx, deps, c, logger, defaultEstimatorTimeout, Overrides{})
			if err != nil {
				return nil, err
			}
			return svc, nil
		},
	})
}

// Overrides replaces parts of the service that would otherwise be built from the config.
type Overrides struct {
	Scans     s.TimedScanSource
	Odometry  s.TimedOdometrySource
	Estimator estimator.Estimator
	Display   display.Display
	Clock     clock.Clock
}

// Service is the odometry SLAM service.
type Service struct {
	resource.Named
	resource.AlwaysRebuild

	mu     sync.Mutex
	closed bool

	sessionID     string
	mapSizePixels int
	snapshotDir   string
	logger        logging.Logger
	clk           clock.Clock

	loop     *fusionloop.Loop
	closers  []io.Closer
	displays display.Multi
	snapshot *display.Snapshot

	cancelLoopFunc      func()
	cancelEstimatorFunc func()
	loopWorkers         sync.WaitGroup
	estimatorWorkers    sync.WaitGroup
	jobDone             atomic.Bool
}

// New returns a new odometry SLAM service for the given robot.
func New(
	ctx context.Context,
	deps resource.Dependencies,
	c resource.Config,
	logger logging.Logger,
	estimatorTimeout time.Duration,
	overrides Overrides,
) (_ *Service, err error) {
	ctx, span := trace.StartSpan(ctx, "odomslam::New")
	defer span.End()

	svcConfig, err := resource.NativeConfig[*vcConfig.Config](c)
	if err != nil {
		return nil, err
	}
	params := vcConfig.GetOptionalParameters(svcConfig, logger)

	clk := overrides.Clock
	if clk == nil {
		clk = clock.New()
	}

	svc := &Service{
		Named:         c.ResourceName().AsNamed(),
		sessionID:     uuid.NewString(),
		mapSizePixels: params.MapSizePixels,
		snapshotDir:   svcConfig.SnapshotDir,
		logger:        logger,
		clk:           clk,
	}
	logger.Infow("starting odometry slam", "session_id", svc.sessionID, "transport", params.Transport)

	defer func() {
		if err != nil {
			logger.Errorw("New() hit error, closing...", "error", err)
			if cErr := svc.Close(ctx); cErr != nil {
				logger.Errorw("error closing out after error", "error", cErr)
			}
		}
	}()

	scans, odometry, err := svc.newSources(ctx, deps, svcConfig, params, overrides)
	if err != nil {
		return nil, err
	}

	est := overrides.Estimator
	if est == nil {
		est, err = estimator.NewDeadReckoning(params.MapSizePixels, params.MapSizeMeters)
		if err != nil {
			return nil, err
		}
	}
	cancelEstimatorCtx, cancelEstimatorFunc := context.WithCancel(context.Background())
	svc.cancelEstimatorFunc = cancelEstimatorFunc
	facade := estimator.NewFacade(est)
	facade.Start(cancelEstimatorCtx, &svc.estimatorWorkers)

	if err := svc.newDisplays(svcConfig, params, overrides.Display); err != nil {
		return nil, err
	}

	loop, err := fusionloop.New(fusionloop.Config{
		Scans:     scans,
		Odometry:  odometry,
		Estimator: facade,
		Display:   svc.displays,
		Gate:      scangate.NewGate(params.MinSamples, params.MaxFallbackCycles),
		Geometry: kinematics.Geometry{
			WheelBaseMM:   params.WheelBaseMM,
			WheelRadiusMM: params.WheelRadiusMM,
		},
		MapSizePixels:         params.MapSizePixels,
		CycleInterval:         params.CycleInterval,
		AcquisitionTimeout:    params.AcquisitionTimeout,
		EstimatorTimeout:      estimatorTimeout,
		RetryInterval:         sensorValidationInterval,
		InitializationTimeout: params.AcquisitionTimeout,
		Clock:                 clk,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}
	svc.loop = loop

	if err := loop.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to get odometry data")
	}

	cancelLoopCtx, cancelLoopFunc := context.WithCancel(context.Background())
	svc.cancelLoopFunc = cancelLoopFunc
	svc.loopWorkers.Add(1)
	go func() {
		defer svc.loopWorkers.Done()
		svc.runLoop(cancelLoopCtx)
	}()

	return svc, nil
}

func (svc *Service) runLoop(ctx context.Context) {
	err := svc.loop.Run(ctx)
	switch {
	case err == nil:
		svc.jobDone.Store(true)
		svc.logger.Infow("display requested stop, mapping finished", "session_id", svc.sessionID)
	case errors.Is(err, context.Canceled):
	default:
		svc.logger.Warnw("fusion loop stopped", "error", err)
	}
}

// newSources builds the scan and odometry sources for the configured transport, unless overridden.
func (svc *Service) newSources(
	ctx context.Context,
	deps resource.Dependencies,
	svcConfig *vcConfig.Config,
	params vcConfig.OptionalParameters,
	overrides Overrides,
) (s.TimedScanSource, s.TimedOdometrySource, error) {
	scans, odometry := overrides.Scans, overrides.Odometry

	if scans == nil {
		switch params.Transport {
		case vcConfig.TransportRDK:
			lidar, err := s.NewLidar(ctx, deps, svcConfig.Camera, svc.logger)
			if err != nil {
				return nil, nil, err
			}
			scans = lidar
		default:
			src, err := s.NewUDPScanSource(params.ScanPort, params.AcquisitionTimeout, svc.logger)
			if err != nil {
				return nil, nil, err
			}
			svc.closers = append(svc.closers, src)
			scans = src
		}
	}

	if odometry == nil {
		switch params.Transport {
		case vcConfig.TransportRDK:
			encoders, err := s.NewWheelEncoders(ctx, deps, svcConfig.LeftEncoder, svcConfig.RightEncoder,
				svcConfig.EncoderTicksPerRevolution, svc.logger)
			if err != nil {
				return nil, nil, err
			}
			odometry = encoders
		case vcConfig.TransportSerial:
			odom, err := s.NewSerialOdometer(svcConfig.SerialPath, params.SerialBaudRate, params.AcquisitionTimeout, svc.logger)
			if err != nil {
				return nil, nil, err
			}
			svc.closers = append(svc.closers, odom)
			odometry = odom
		default:
			src, err := s.NewUDPOdometrySource(params.OdometryPort, params.AcquisitionTimeout, svc.logger)
			if err != nil {
				return nil, nil, err
			}
			svc.closers = append(svc.closers, src)
			odometry = src
		}
	}

	return scans, odometry, nil
}

// newDisplays builds the displays the loop reports to. Logging is always on; the websocket and
// snapshot displays are added when configured.
func (svc *Service) newDisplays(svcConfig *vcConfig.Config, params vcConfig.OptionalParameters, extra display.Display) error {
	svc.displays = display.Multi{display.NewLogger(svc.logger)}

	if svcConfig.WebSocketPort > 0 {
		ws := display.NewWebSocket(params.MapSizePixels, websocketMapEveryNFrames, svc.logger)
		if err := ws.Start(svcConfig.WebSocketPort); err != nil {
			return err
		}
		svc.logger.Infow("serving map over websocket", "address", ws.Addr().String())
		svc.displays = append(svc.displays, ws)
	}

	if svcConfig.SnapshotDir != "" {
		snapshot, err := display.NewSnapshot(display.SnapshotConfig{
			Dir:           svcConfig.SnapshotDir,
			EveryNFrames:  params.SnapshotEveryNCycles,
			Prefix:        svc.sessionID,
			MapSizePixels: params.MapSizePixels,
			MapSizeMeters: params.MapSizeMeters,
			Clock:         svc.clk,
			Logger:        svc.logger,
		})
		if err != nil {
			return err
		}
		svc.snapshot = snapshot
		svc.displays = append(svc.displays, snapshot)
	}

	if extra != nil {
		svc.displays = append(svc.displays, extra)
	}
	return nil
}

// Position returns the latest pose of the robot in the map frame, in millimeters.
func (svc *Service) Position(ctx context.Context) (spatialmath.Pose, error) {
	_, span := trace.StartSpan(ctx, "odomslam::Service::Position")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("Position called after closed")
		return nil, ErrClosed
	}

	pose := svc.loop.Pose()
	return spatialmath.NewPose(
		r3.Vector{X: pose.X, Y: pose.Y},
		&spatialmath.EulerAngles{Yaw: pose.Theta},
	), nil
}

// OccupancyMap returns a copy of the latest occupancy grid.
func (svc *Service) OccupancyMap(ctx context.Context) ([]byte, error) {
	_, span := trace.StartSpan(ctx, "odomslam::Service::OccupancyMap")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("OccupancyMap called after closed")
		return nil, ErrClosed
	}
	return svc.loop.Map(), nil
}

// Stats returns the fusion loop counters.
func (svc *Service) Stats() fusionloop.Stats {
	return svc.loop.Stats()
}

// SessionID identifies this mapping session in logs and snapshot names.
func (svc *Service) SessionID() string {
	return svc.sessionID
}

// DoCommand receives arbitrary commands.
func (svc *Service) DoCommand(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := trace.StartSpan(ctx, "odomslam::Service::DoCommand")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("DoCommand called after closed")
		return nil, ErrClosed
	}

	if _, ok := req["job_done"]; ok {
		return map[string]interface{}{"job_done": svc.jobDone.Load()}, nil
	}

	if _, ok := req["position"]; ok {
		pose := svc.loop.Pose()
		return map[string]interface{}{
			"x_m":       pose.X / 1000,
			"y_m":       pose.Y / 1000,
			"theta_rad": pose.Theta,
		}, nil
	}

	if _, ok := req["stats"]; ok {
		stats, err := statsToMap(svc.loop.Stats())
		if err != nil {
			return nil, err
		}
		stats["session_id"] = svc.sessionID
		return stats, nil
	}

	if val, ok := req["save_map"]; ok {
		filename, _ := val.(string)
		filename, err := svc.saveMap(ctx, filename)
		if err != nil {
			return nil, err
		}
		resp := map[string]interface{}{"save_map": filename}
		if svc.snapshot != nil {
			trajectoryFile, err := svc.saveTrajectory(filename)
			if err != nil {
				return nil, err
			}
			resp["trajectory"] = trajectoryFile
		}
		return resp, nil
	}

	return nil, viamgrpc.UnimplementedError
}

// saveMap writes the latest occupancy grid as a PGM image. An empty filename saves into
// snapshot_dir under a timestamped name.
func (svc *Service) saveMap(ctx context.Context, filename string) (string, error) {
	if filename == "" {
		if svc.snapshotDir == "" {
			return "", ErrNoSnapshotPath
		}
		filename = dataprocess.CreateTimestampFilename(svc.snapshotDir, svc.sessionID+"_map", ".pgm", svc.clk.Now())
	}
	mapBuffer, err := svc.OccupancyMap(ctx)
	if err != nil {
		return "", err
	}
	if err := dataprocess.WritePGMToFile(mapBuffer, svc.mapSizePixels, filename); err != nil {
		return "", errors.Wrapf(err, "error saving map to %s", filename)
	}
	return filename, nil
}

// saveTrajectory writes the poses recorded by the snapshot display as JSON next to the map file.
func (svc *Service) saveTrajectory(mapFilename string) (string, error) {
	filename := strings.TrimSuffix(mapFilename, filepath.Ext(mapFilename)) + "_trajectory.json"
	if err := dataprocess.WriteJSONToFile(svc.snapshot.Trajectory(), filename); err != nil {
		return "", errors.Wrapf(err, "error saving trajectory to %s", filename)
	}
	return filename, nil
}

func statsToMap(stats fusionloop.Stats) (map[string]interface{}, error) {
	data, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (svc *Service) isClosed() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.closed
}

// Close stops the fusion loop and the estimator, then releases the sources and displays.
func (svc *Service) Close(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.logger.Info("Closing odometry slam module")
	if svc.closed {
		svc.logger.Warn("Close() called multiple times")
		return nil
	}

	// stop the fusion loop
	if svc.cancelLoopFunc != nil {
		svc.cancelLoopFunc()
	}
	svc.loopWorkers.Wait()

	// stop estimator facade workers
	if svc.cancelEstimatorFunc != nil {
		svc.cancelEstimatorFunc()
	}
	svc.estimatorWorkers.Wait()

	var err error
	for _, closer := range svc.closers {
		err = multierr.Append(err, closer.Close())
	}
	err = multierr.Append(err, svc.displays.Close())
	if err != nil {
		svc.logger.Errorw("close hit error", "error", err)
	}
	svc.closed = true

	svc.logger.Info("Closing complete")
	return err
}
