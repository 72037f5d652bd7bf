// Package inject provides dependency injected structures for mocking the estimator.
package inject

import (
	"context"
	"time"

	"github.com/viam-modules/viam-odomslam/estimator"
	"github.com/viam-modules/viam-odomslam/kinematics"
)

// Estimator is an injected Estimator.
type Estimator struct {
	estimator.Estimator
	UpdateFunc func(distances []float64, delta kinematics.MotionDelta, angles []float64) error
	PoseFunc   func() estimator.Pose
	MapFunc    func(buf []byte) error
}

// Update calls the injected UpdateFunc or the real version.
func (e *Estimator) Update(distances []float64, delta kinematics.MotionDelta, angles []float64) error {
	if e.UpdateFunc == nil {
		return e.Estimator.Update(distances, delta, angles)
	}
	return e.UpdateFunc(distances, delta, angles)
}

// Pose calls the injected PoseFunc or the real version.
func (e *Estimator) Pose() estimator.Pose {
	if e.PoseFunc == nil {
		return e.Estimator.Pose()
	}
	return e.PoseFunc()
}

// Map calls the injected MapFunc or the real version.
func (e *Estimator) Map(buf []byte) error {
	if e.MapFunc == nil {
		return e.Estimator.Map(buf)
	}
	return e.MapFunc(buf)
}

// Facade is an injected estimator facade.
type Facade struct {
	estimator.Interface
	UpdateFunc func(
		ctx context.Context,
		timeout time.Duration,
		distances []float64,
		delta kinematics.MotionDelta,
		angles []float64,
	) error
	PoseFunc func(ctx context.Context, timeout time.Duration) (estimator.Pose, error)
	MapFunc  func(ctx context.Context, timeout time.Duration, buf []byte) error
}

// Update calls the injected UpdateFunc or the real version.
func (f *Facade) Update(
	ctx context.Context,
	timeout time.Duration,
	distances []float64,
	delta kinematics.MotionDelta,
	angles []float64,
) error {
	if f.UpdateFunc == nil {
		return f.Interface.Update(ctx, timeout, distances, delta, angles)
	}
	return f.UpdateFunc(ctx, timeout, distances, delta, angles)
}

// Pose calls the injected PoseFunc or the real version.
func (f *Facade) Pose(ctx context.Context, timeout time.Duration) (estimator.Pose, error) {
	if f.PoseFunc == nil {
		return f.Interface.Pose(ctx, timeout)
	}
	return f.PoseFunc(ctx, timeout)
}

// Map calls the injected MapFunc or the real version.
func (f *Facade) Map(ctx context.Context, timeout time.Duration, buf []byte) error {
	if f.MapFunc == nil {
		return f.Interface.Map(ctx, timeout, buf)
	}
	return f.MapFunc(ctx, timeout, buf)
}
