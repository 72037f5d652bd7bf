// Package fusionloop pairs wheel odometry with lidar scans, feeds them to the estimator and
// hands the resulting pose and map to the display, one cycle at a time.
package fusionloop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/zap/zapcore"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/viam-odomslam/display"
	"github.com/viam-modules/viam-odomslam/estimator"
	"github.com/viam-modules/viam-odomslam/kinematics"
	"github.com/viam-modules/viam-odomslam/scangate"
	s "github.com/viam-modules/viam-odomslam/sensors"
)

const (
	defaultRetryInterval          = 100 * time.Millisecond
	defaultInitializationInterval = 100 * time.Millisecond
	mmPerMeter                    = 1000.0
)

// Config holds everything a Loop needs to run.
type Config struct {
	Scans     s.TimedScanSource
	Odometry  s.TimedOdometrySource
	Estimator estimator.Interface
	Display   display.Display
	Gate      *scangate.Gate
	Geometry  kinematics.Geometry

	MapSizePixels int

	// CycleInterval is the target period of one cycle; 0 runs cycles back to back.
	CycleInterval time.Duration
	// AcquisitionTimeout bounds each scan and odometry read.
	AcquisitionTimeout time.Duration
	// EstimatorTimeout bounds each call into the estimator.
	EstimatorTimeout time.Duration
	// RetryInterval is waited after an acquisition fault before the next cycle.
	RetryInterval time.Duration
	// InitializationTimeout bounds how long Initialize retries the first odometry read.
	InitializationTimeout time.Duration

	Clock  clock.Clock
	Logger logging.Logger
}

// Stats counts what happened across cycles.
type Stats struct {
	Cycles          int  `json:"cycles"`
	Updates         int  `json:"updates"`
	FallbackUpdates int  `json:"fallback_updates"`
	OdometryFaults  int  `json:"odometry_faults"`
	ScanFaults      int  `json:"scan_faults"`
	InadequateScans int  `json:"inadequate_scans"`
	StaleFallbacks  int  `json:"stale_fallbacks"`
	EstimatorFaults int  `json:"estimator_faults"`
	DisplayFaults   int  `json:"display_faults"`
	Stopped         bool `json:"stopped"`
}

// Loop is the fusion loop. It is driven by a single goroutine; Pose, Map and Stats may be
// called concurrently with it.
type Loop struct {
	cfg Config

	mu          sync.Mutex
	initialized bool
	wheels      kinematics.WheelState
	lastUpdate  time.Time
	pose        estimator.Pose
	mapBuffer   []byte
	stats       Stats
}

// New validates cfg and returns a Loop ready to be initialized.
func New(cfg Config) (*Loop, error) {
	switch {
	case cfg.Scans == nil:
		return nil, errors.New("fusion loop requires a scan source")
	case cfg.Odometry == nil:
		return nil, errors.New("fusion loop requires an odometry source")
	case cfg.Estimator == nil:
		return nil, errors.New("fusion loop requires an estimator")
	case cfg.Display == nil:
		return nil, errors.New("fusion loop requires a display")
	case cfg.Gate == nil:
		return nil, errors.New("fusion loop requires a scan gate")
	case cfg.Logger == nil:
		return nil, errors.New("fusion loop requires a logger")
	case cfg.MapSizePixels <= 0:
		return nil, errors.Errorf("map size in pixels must be positive, got %d", cfg.MapSizePixels)
	case cfg.AcquisitionTimeout <= 0:
		return nil, errors.Errorf("acquisition timeout must be positive, got %v", cfg.AcquisitionTimeout)
	case cfg.EstimatorTimeout <= 0:
		return nil, errors.Errorf("estimator timeout must be positive, got %v", cfg.EstimatorTimeout)
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.InitializationTimeout <= 0 {
		cfg.InitializationTimeout = cfg.AcquisitionTimeout
	}

	return &Loop{
		cfg:       cfg,
		mapBuffer: make([]byte, estimator.MapBufferSize(cfg.MapSizePixels)),
	}, nil
}

// Initialize seeds the wheel state and timestamp from a first odometry reading, retrying until
// InitializationTimeout has elapsed.
func (l *Loop) Initialize(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "odomslam::fusionloop::Initialize")
	defer span.End()

	read := func(ctx context.Context) error {
		wheels, err := l.readOdometry(ctx)
		if err != nil {
			return err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.wheels = wheels
		l.lastUpdate = l.cfg.Clock.Now()
		l.initialized = true
		return nil
	}
	interval := defaultInitializationInterval
	if l.cfg.RetryInterval < interval {
		interval = l.cfg.RetryInterval
	}
	if err := s.ValidateGetData(ctx, l.cfg.Odometry.Name(), read,
		l.cfg.InitializationTimeout, interval, l.cfg.Logger); err != nil {
		return errors.Wrap(err, "error seeding wheel state")
	}
	wheels := l.WheelState()
	l.cfg.Logger.Debugw("seeded wheel state", "left", wheels.Left, "right", wheels.Right)
	return nil
}

// RunCycle runs a single fusion cycle and reports whether the loop should continue.
//
// A cycle whose odometry read fails does nothing else. A cycle whose scan read fails, or whose
// scan is rejected by the gate, skips the estimator update but still shows the last pose and
// map. The wheel state and timestamp only advance once the estimator has accepted an update,
// even if its reply is late, so the next update's motion delta spans every skipped cycle. Acquisition faults are returned so the caller
// can back off; they never stop the loop.
func (l *Loop) RunCycle(ctx context.Context) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "odomslam::fusionloop::RunCycle")
	defer span.End()

	l.mu.Lock()
	initialized := l.initialized
	l.stats.Cycles++
	l.mu.Unlock()
	if !initialized {
		return false, errors.New("fusion loop is not initialized")
	}

	wheels, err := l.readOdometry(ctx)
	if err != nil {
		l.count(func(st *Stats) { st.OdometryFaults++ })
		return true, errors.Wrap(err, "skipping cycle")
	}
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	prev, last := l.wheels, l.lastUpdate
	l.mu.Unlock()

	elapsed := now.Sub(last).Seconds()
	if !kinematics.ElapsedIsValid(elapsed) {
		l.cfg.Logger.Warnw("clamping elapsed time", "error", kinematics.ErrNonPositiveElapsed,
			"elapsed_sec", elapsed, "clamped_sec", kinematics.MinElapsedSeconds)
	}
	delta := kinematics.ComputeMotionDelta(prev, wheels, l.cfg.Geometry, elapsed)
	if l.cfg.Logger.Level() == zapcore.DebugLevel {
		l.cfg.Logger.Debugw("motion delta", "forward_mm", delta.Forward,
			"rotation_rad", delta.Rotation, "elapsed_sec", delta.Elapsed)
	}

	scanErr := l.update(ctx, wheels, now, delta)

	l.mu.Lock()
	pose := l.pose
	mapBuffer := l.mapBuffer
	l.mu.Unlock()

	cont, err := l.cfg.Display.Display(ctx, pose.X/mmPerMeter, pose.Y/mmPerMeter, pose.Theta, mapBuffer)
	if err != nil {
		l.count(func(st *Stats) { st.DisplayFaults++ })
		l.cfg.Logger.Warnw("display error", "error", err)
	}
	if !cont {
		l.count(func(st *Stats) { st.Stopped = true })
		l.cfg.Logger.Infow("display asked the fusion loop to stop")
		return false, nil
	}
	return true, scanErr
}

// update reads and gates a scan and, if one is usable, updates the estimator and commits the
// cycle. Only scan acquisition faults are returned.
func (l *Loop) update(ctx context.Context, wheels kinematics.WheelState, now time.Time, delta kinematics.MotionDelta) error {
	scan, err := l.readScan(ctx)
	if err != nil {
		l.count(func(st *Stats) { st.ScanFaults++ })
		return errors.Wrap(err, "skipping estimator update")
	}

	selection, err := l.cfg.Gate.Select(scan.Samples)
	switch {
	case errors.Is(err, scangate.ErrInadequateScan):
		l.count(func(st *Stats) { st.InadequateScans++ })
		l.cfg.Logger.Debugw("skipping estimator update", "error", err, "samples", len(scan.Samples))
		return nil
	case errors.Is(err, scangate.ErrStaleFallback):
		l.count(func(st *Stats) { st.StaleFallbacks++ })
		l.cfg.Logger.Warnw("skipping estimator update", "error", err)
		return nil
	case err != nil:
		return err
	}
	if selection.UsedFallback {
		l.cfg.Logger.Debugw("using fallback scan", "samples", len(scan.Samples),
			"consecutive_reuses", l.cfg.Gate.ConsecutiveReuses())
	}

	err = l.cfg.Estimator.Update(ctx, l.cfg.EstimatorTimeout,
		selection.Scan.Distances, delta, selection.Scan.Angles)
	switch {
	case errors.Is(err, estimator.ErrReadTimeout):
		// the estimator took the delta and will still apply it, so it must not be sent again
		l.commit(wheels, now, selection.UsedFallback)
		l.count(func(st *Stats) { st.EstimatorFaults++ })
		l.cfg.Logger.Warnw("estimator update is late, keeping its motion", "error", err)
		return nil
	case err != nil:
		l.count(func(st *Stats) { st.EstimatorFaults++ })
		l.cfg.Logger.Warnw("estimator update failed", "error", err)
		return nil
	}
	l.commit(wheels, now, selection.UsedFallback)

	pose, err := l.cfg.Estimator.Pose(ctx, l.cfg.EstimatorTimeout)
	if err != nil {
		l.count(func(st *Stats) { st.EstimatorFaults++ })
		l.cfg.Logger.Warnw("error getting pose from estimator", "error", err)
		return nil
	}
	mapBuffer := make([]byte, len(l.mapBuffer))
	if err := l.cfg.Estimator.Map(ctx, l.cfg.EstimatorTimeout, mapBuffer); err != nil {
		l.count(func(st *Stats) { st.EstimatorFaults++ })
		l.cfg.Logger.Warnw("error getting map from estimator", "error", err)
		mapBuffer = nil
	}

	l.mu.Lock()
	l.pose = pose
	if mapBuffer != nil {
		l.mapBuffer = mapBuffer
	}
	l.mu.Unlock()
	return nil
}

// commit records the wheel state and time the estimator has consumed motion up to.
func (l *Loop) commit(wheels kinematics.WheelState, now time.Time, usedFallback bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wheels = wheels
	l.lastUpdate = now
	l.stats.Updates++
	if usedFallback {
		l.stats.FallbackUpdates++
	}
}

// Run initializes the loop if needed and runs cycles until the display asks to stop, in which
// case it returns nil, or ctx is done, in which case it returns ctx.Err(). Each cycle is paced to
// CycleInterval; after an acquisition fault the loop waits RetryInterval instead.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	initialized := l.initialized
	l.mu.Unlock()
	if !initialized {
		if err := l.Initialize(ctx); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := l.cfg.Clock.Now()
		cont, err := l.RunCycle(ctx)
		if !cont {
			return nil
		}

		wait := l.cfg.CycleInterval - l.cfg.Clock.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.cfg.Logger.Debugw("fusion cycle fault", "error", err)
			wait = l.cfg.RetryInterval
		}
		if wait > 0 && !l.wait(ctx, wait) {
			return ctx.Err()
		}
	}
}

// wait blocks for d on the loop's clock and reports false if ctx is done first.
func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	timer := l.cfg.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Pose returns the last pose reported by the estimator.
func (l *Loop) Pose() estimator.Pose {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pose
}

// Map returns a copy of the last occupancy grid reported by the estimator.
func (l *Loop) Map() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.mapBuffer...)
}

// Stats returns the cycle counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// WheelState returns the last committed wheel state.
func (l *Loop) WheelState() kinematics.WheelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wheels
}

func (l *Loop) count(f func(st *Stats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f(&l.stats)
}

func (l *Loop) readOdometry(ctx context.Context) (kinematics.WheelState, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.AcquisitionTimeout)
	defer cancel()
	resp, err := l.cfg.Odometry.TimedOdometry(ctx)
	if err != nil {
		return kinematics.WheelState{}, err
	}
	return kinematics.WheelState{Left: resp.Left, Right: resp.Right}, nil
}

func (l *Loop) readScan(ctx context.Context) (s.TimedScanResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.AcquisitionTimeout)
	defer cancel()
	return l.cfg.Scans.TimedScan(ctx)
}
