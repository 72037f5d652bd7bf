// Package estimator defines the SLAM estimator the fusion loop feeds and a facade that
// serializes calls into it.
package estimator

import (
	"github.com/pkg/errors"

	"github.com/viam-modules/viam-odomslam/kinematics"
)

// ErrMapBufferSize denotes a map buffer that does not match the estimator's grid.
var ErrMapBufferSize = errors.New("map buffer size does not match the occupancy grid")

// Pose is the robot pose in the map frame. X and Y are in millimeters, Theta in radians.
type Pose struct {
	X     float64
	Y     float64
	Theta float64
}

// Estimator is a SLAM estimator fed with one motion delta and one scan per update.
// Distances are in millimeters and angles in degrees, index aligned.
type Estimator interface {
	Update(distances []float64, delta kinematics.MotionDelta, angles []float64) error
	Pose() Pose
	// Map fills buf with the MapSizePixels² grayscale occupancy grid, row major.
	Map(buf []byte) error
}

// MapBufferSize returns the size of the occupancy grid buffer for a square map.
func MapBufferSize(mapSizePixels int) int {
	return mapSizePixels * mapSizePixels
}
