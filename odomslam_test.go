package odomslam_test

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	viamgrpc "go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/test"

	odomslam "github.com/viam-modules/viam-odomslam"
	vcConfig "github.com/viam-modules/viam-odomslam/config"
	dinject "github.com/viam-modules/viam-odomslam/display/inject"
	"github.com/viam-modules/viam-odomslam/estimator"
	einject "github.com/viam-modules/viam-odomslam/estimator/inject"
	"github.com/viam-modules/viam-odomslam/kinematics"
	s "github.com/viam-modules/viam-odomslam/sensors"
	sinject "github.com/viam-modules/viam-odomslam/sensors/inject"
)

const testMapSizePixels = 4

func newResourceConfig(cfg *vcConfig.Config) resource.Config {
	return resource.Config{
		Name:                "test",
		API:                 generic.API,
		Model:               odomslam.Model,
		ConvertedAttributes: cfg,
	}
}

func newTestConfig() *vcConfig.Config {
	minSamples := 2
	return &vcConfig.Config{
		Transport:             vcConfig.TransportUDP,
		MapSizePixels:         testMapSizePixels,
		MapSizeMeters:         1,
		MinSamples:            &minSamples,
		CycleRateHz:           200,
		AcquisitionTimeoutSec: 0.05,
	}
}

type fakes struct {
	mu      sync.Mutex
	frames  int
	stopAt  int
	updates int
}

func (f *fakes) overrides() odomslam.Overrides {
	var wheels float64
	return odomslam.Overrides{
		Odometry: &sinject.TimedOdometrySource{
			NameFunc: func() string { return "wheels" },
			TimedOdometryFunc: func(ctx context.Context) (s.TimedOdometryResponse, error) {
				f.mu.Lock()
				defer f.mu.Unlock()
				wheels += 0.1
				return s.TimedOdometryResponse{Left: wheels, Right: wheels, ReadingTime: time.Now()}, nil
			},
		},
		Scans: &sinject.TimedScanSource{
			NameFunc: func() string { return "lidar" },
			TimedScanFunc: func(ctx context.Context) (s.TimedScanResponse, error) {
				samples := []s.ScanSample{
					{Quality: 15, AngleDegrees: 0, Distance: 100},
					{Quality: 15, AngleDegrees: 90, Distance: 100},
					{Quality: 15, AngleDegrees: 180, Distance: 100},
				}
				return s.TimedScanResponse{Samples: samples, ReadingTime: time.Now()}, nil
			},
		},
		Estimator: &einject.Estimator{
			UpdateFunc: func(distances []float64, delta kinematics.MotionDelta, angles []float64) error {
				f.mu.Lock()
				defer f.mu.Unlock()
				f.updates++
				return nil
			},
			PoseFunc: func() estimator.Pose {
				return estimator.Pose{X: 1500, Y: -500, Theta: math.Pi / 2}
			},
			MapFunc: func(buf []byte) error {
				for i := range buf {
					buf[i] = 7
				}
				return nil
			},
		},
		Display: &dinject.Display{
			DisplayFunc: func(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error) {
				f.mu.Lock()
				defer f.mu.Unlock()
				f.frames++
				return f.stopAt == 0 || f.frames < f.stopAt, nil
			},
		},
	}
}

func waitForJobDone(t *testing.T, svc *odomslam.Service) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"job_done": ""})
		test.That(t, err, test.ShouldBeNil)
		if resp["job_done"] == true {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job_done")
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("Failed creation with a missing lidar dependency", func(t *testing.T) {
		cfg := &vcConfig.Config{Camera: "lidar", LeftEncoder: "left", RightEncoder: "right"}
		_, err := odomslam.New(context.Background(), resource.Dependencies{}, newResourceConfig(cfg), logger,
			time.Second, odomslam.Overrides{})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "error getting lidar camera lidar for slam service")
	})

	t.Run("Failed creation when odometry never responds", func(t *testing.T) {
		f := &fakes{}
		overrides := f.overrides()
		overrides.Odometry = &sinject.TimedOdometrySource{
			NameFunc: func() string { return "wheels" },
			TimedOdometryFunc: func(ctx context.Context) (s.TimedOdometryResponse, error) {
				return s.TimedOdometryResponse{}, errors.New("no odometry")
			},
		}
		_, err := odomslam.New(context.Background(), nil, newResourceConfig(newTestConfig()), logger,
			time.Second, overrides)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "failed to get odometry data")
		test.That(t, err.Error(), test.ShouldContainSubstring, "no odometry")
	})

	t.Run("Failed creation with an invalid map size", func(t *testing.T) {
		f := &fakes{}
		overrides := f.overrides()
		overrides.Estimator = nil
		cfg := newTestConfig()
		cfg.MapSizeMeters = -1
		_, err := odomslam.New(context.Background(), nil, newResourceConfig(cfg), logger, time.Second, overrides)
		test.That(t, err, test.ShouldBeError, errors.New("map size in meters must be positive, got -1"))
	})
}

func TestService(t *testing.T) {
	logger := logging.NewTestLogger(t)
	f := &fakes{stopAt: 3}
	svc, err := odomslam.New(context.Background(), nil, newResourceConfig(newTestConfig()), logger,
		time.Second, f.overrides())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.SessionID(), test.ShouldNotBeEmpty)

	waitForJobDone(t, svc)

	t.Run("Position is reported in millimeters", func(t *testing.T) {
		pose, err := svc.Position(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pose.Point().X, test.ShouldAlmostEqual, 1500)
		test.That(t, pose.Point().Y, test.ShouldAlmostEqual, -500)
		test.That(t, pose.Orientation().EulerAngles().Yaw, test.ShouldAlmostEqual, math.Pi/2)
	})

	t.Run("OccupancyMap returns a copy of the latest grid", func(t *testing.T) {
		grid, err := svc.OccupancyMap(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(grid), test.ShouldEqual, testMapSizePixels*testMapSizePixels)
		test.That(t, grid[0], test.ShouldEqual, byte(7))

		grid[0] = 0
		again, err := svc.OccupancyMap(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, again[0], test.ShouldEqual, byte(7))
	})

	t.Run("DoCommand position is reported in meters", func(t *testing.T) {
		resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"position": ""})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["x_m"], test.ShouldAlmostEqual, 1.5)
		test.That(t, resp["y_m"], test.ShouldAlmostEqual, -0.5)
		test.That(t, resp["theta_rad"], test.ShouldAlmostEqual, math.Pi/2)
	})

	t.Run("DoCommand stats", func(t *testing.T) {
		resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"stats": ""})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["stopped"], test.ShouldBeTrue)
		test.That(t, resp["cycles"], test.ShouldEqual, 3.0)
		test.That(t, resp["session_id"], test.ShouldEqual, svc.SessionID())
		test.That(t, svc.Stats().Updates, test.ShouldEqual, 3)
	})

	t.Run("DoCommand save_map writes a PGM", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "map.pgm")
		resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"save_map": filename})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["save_map"], test.ShouldEqual, filename)

		data, err := os.ReadFile(filename)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(data[:11]), test.ShouldEqual, "P5\n4 4\n255\n")
		test.That(t, len(data), test.ShouldEqual, 11+testMapSizePixels*testMapSizePixels)
	})

	t.Run("DoCommand save_map without a path or snapshot_dir fails", func(t *testing.T) {
		_, err := svc.DoCommand(context.Background(), map[string]interface{}{"save_map": ""})
		test.That(t, err, test.ShouldBeError, odomslam.ErrNoSnapshotPath)
	})

	t.Run("DoCommand with an unknown command is unimplemented", func(t *testing.T) {
		_, err := svc.DoCommand(context.Background(), map[string]interface{}{"bad_command": ""})
		test.That(t, err, test.ShouldBeError, viamgrpc.UnimplementedError)
	})

	t.Run("Methods fail after Close", func(t *testing.T) {
		test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
		test.That(t, svc.Close(context.Background()), test.ShouldBeNil)

		_, err := svc.Position(context.Background())
		test.That(t, err, test.ShouldBeError, odomslam.ErrClosed)
		_, err = svc.OccupancyMap(context.Background())
		test.That(t, err, test.ShouldBeError, odomslam.ErrClosed)
		_, err = svc.DoCommand(context.Background(), map[string]interface{}{"job_done": ""})
		test.That(t, err, test.ShouldBeError, odomslam.ErrClosed)
	})
}

func TestServiceSnapshots(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	cfg := newTestConfig()
	cfg.SnapshotDir = dir
	cfg.SnapshotEveryNCycles = 1

	f := &fakes{stopAt: 2}
	svc, err := odomslam.New(context.Background(), nil, newResourceConfig(cfg), logger, time.Second, f.overrides())
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	}()

	waitForJobDone(t, svc)

	pngs, err := filepath.Glob(filepath.Join(dir, svc.SessionID()+"*.png"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(pngs), test.ShouldEqual, 2)

	resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"save_map": ""})
	test.That(t, err, test.ShouldBeNil)
	filename, ok := resp["save_map"].(string)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, filepath.Dir(filename), test.ShouldEqual, dir)
	_, err = os.Stat(filename)
	test.That(t, err, test.ShouldBeNil)

	trajectoryFile, ok := resp["trajectory"].(string)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, trajectoryFile, test.ShouldEqual, strings.TrimSuffix(filename, ".pgm")+"_trajectory.json")
	data, err := os.ReadFile(trajectoryFile)
	test.That(t, err, test.ShouldBeNil)
	var points []struct{ X, Y float64 }
	test.That(t, json.Unmarshal(data, &points), test.ShouldBeNil)
	test.That(t, len(points), test.ShouldEqual, 2)
	test.That(t, points[1].X, test.ShouldAlmostEqual, 1.5)
	test.That(t, points[1].Y, test.ShouldAlmostEqual, -0.5)
}

func TestCloseStopsRunningLoop(t *testing.T) {
	logger := logging.NewTestLogger(t)
	f := &fakes{}
	svc, err := odomslam.New(context.Background(), nil, newResourceConfig(newTestConfig()), logger,
		time.Second, f.overrides())
	test.That(t, err, test.ShouldBeNil)

	time.Sleep(50 * time.Millisecond)
	test.That(t, svc.Close(context.Background()), test.ShouldBeNil)

	f.mu.Lock()
	frames := f.frames
	f.mu.Unlock()
	test.That(t, frames, test.ShouldBeGreaterThan, 0)

	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	test.That(t, f.frames, test.ShouldEqual, frames)
}
