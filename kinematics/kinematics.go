// Package kinematics converts differential-drive wheel encoder readings into motion deltas.
package kinematics

import (
	"math"

	"github.com/pkg/errors"
)

// MinElapsedSeconds is the elapsed time used in place of a non-positive clock step.
const MinElapsedSeconds = 1e-3

// ErrNonPositiveElapsed denotes that the clock did not advance between two odometry readings.
var ErrNonPositiveElapsed = errors.New("elapsed time between odometry readings is not positive")

// WheelState holds cumulative wheel rotation counts, expressed in wheel revolutions.
type WheelState struct {
	Left  float64
	Right float64
}

// MotionDelta is the incremental motion of the robot since the previous fusion cycle.
// Forward is in millimeters, Rotation in radians and Elapsed in seconds.
type MotionDelta struct {
	Forward  float64
	Rotation float64
	Elapsed  float64
}

// Geometry describes the drive train of the robot, in millimeters.
type Geometry struct {
	WheelBaseMM   float64
	WheelRadiusMM float64
}

// Validate returns an error if the geometry cannot be used for kinematics.
func (g Geometry) Validate() error {
	if !(g.WheelBaseMM > 0) {
		return errors.Errorf("wheel base must be positive, got %v", g.WheelBaseMM)
	}
	if !(g.WheelRadiusMM > 0) {
		return errors.Errorf("wheel radius must be positive, got %v", g.WheelRadiusMM)
	}
	return nil
}

// ElapsedIsValid reports whether elapsedSeconds can be handed to the estimator as is.
func ElapsedIsValid(elapsedSeconds float64) bool {
	return elapsedSeconds > 0 && !math.IsInf(elapsedSeconds, 1)
}

// ComputeMotionDelta returns the motion between two wheel states using unicycle kinematics.
// Both forward and rotation are negated to match the estimator's robot frame convention.
// A non-positive elapsed time is clamped to MinElapsedSeconds.
func ComputeMotionDelta(prev, cur WheelState, geom Geometry, elapsedSeconds float64) MotionDelta {
	distLeft := (cur.Left - prev.Left) * 2 * math.Pi * geom.WheelRadiusMM
	distRight := (cur.Right - prev.Right) * 2 * math.Pi * geom.WheelRadiusMM

	forward := (distLeft + distRight) / 2
	rotation := (distRight - distLeft) / geom.WheelBaseMM

	if !ElapsedIsValid(elapsedSeconds) {
		elapsedSeconds = MinElapsedSeconds
	}

	return MotionDelta{
		Forward:  -forward,
		Rotation: -rotation,
		Elapsed:  elapsedSeconds,
	}
}
