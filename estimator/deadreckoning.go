package estimator

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/viam-modules/viam-odomslam/kinematics"
)

const (
	unknownCell   = 127
	freeIncrement = 4
	hitDecrement  = 32
)

// DeadReckoning integrates motion deltas into a pose and marks scan endpoints on an occupancy
// grid without correcting the pose against the map. The robot starts in the middle of the map.
type DeadReckoning struct {
	mapSizePixels int
	mmPerPixel    float64

	mu   sync.Mutex
	pose Pose
	grid []byte
}

// NewDeadReckoning returns a DeadReckoning estimator with a square map of mapSizePixels cells
// covering mapSizeMeters on a side.
func NewDeadReckoning(mapSizePixels int, mapSizeMeters float64) (*DeadReckoning, error) {
	if mapSizePixels <= 0 {
		return nil, errors.Errorf("map size in pixels must be positive, got %d", mapSizePixels)
	}
	if !(mapSizeMeters > 0) {
		return nil, errors.Errorf("map size in meters must be positive, got %v", mapSizeMeters)
	}

	grid := make([]byte, MapBufferSize(mapSizePixels))
	for i := range grid {
		grid[i] = unknownCell
	}
	center := mapSizeMeters * 1000 / 2
	return &DeadReckoning{
		mapSizePixels: mapSizePixels,
		mmPerPixel:    mapSizeMeters * 1000 / float64(mapSizePixels),
		pose:          Pose{X: center, Y: center},
		grid:          grid,
	}, nil
}

// Update advances the pose by delta, using the heading halfway through the turn, then
// traces every beam of the scan from the new pose.
func (dr *DeadReckoning) Update(distances []float64, delta kinematics.MotionDelta, angles []float64) error {
	if len(distances) != len(angles) {
		return errors.Errorf("scan has %d distances but %d angles", len(distances), len(angles))
	}

	dr.mu.Lock()
	defer dr.mu.Unlock()

	heading := dr.pose.Theta + delta.Rotation/2
	position := r2.Add(r2.Vec{X: dr.pose.X, Y: dr.pose.Y},
		r2.Scale(delta.Forward, r2.Vec{X: math.Cos(heading), Y: math.Sin(heading)}))
	dr.pose = Pose{
		X:     position.X,
		Y:     position.Y,
		Theta: normalizeAngle(dr.pose.Theta + delta.Rotation),
	}

	for i, distance := range distances {
		if !(distance > 0) {
			continue
		}
		dr.traceBeam(position, dr.pose.Theta+angles[i]*math.Pi/180, distance)
	}
	return nil
}

// traceBeam clears the cells a beam passes through and marks the cell it ends in.
func (dr *DeadReckoning) traceBeam(origin r2.Vec, bearing, distance float64) {
	direction := r2.Vec{X: math.Cos(bearing), Y: math.Sin(bearing)}
	steps := int(distance / dr.mmPerPixel)
	for step := 0; step < steps; step++ {
		cell := r2.Add(origin, r2.Scale(float64(step)*dr.mmPerPixel, direction))
		if idx, ok := dr.index(cell); ok && dr.grid[idx] <= 255-freeIncrement {
			dr.grid[idx] += freeIncrement
		}
	}
	if idx, ok := dr.index(r2.Add(origin, r2.Scale(distance, direction))); ok {
		if dr.grid[idx] >= hitDecrement {
			dr.grid[idx] -= hitDecrement
		} else {
			dr.grid[idx] = 0
		}
	}
}

func (dr *DeadReckoning) index(p r2.Vec) (int, bool) {
	col := int(math.Floor(p.X / dr.mmPerPixel))
	row := int(math.Floor(p.Y / dr.mmPerPixel))
	if col < 0 || row < 0 || col >= dr.mapSizePixels || row >= dr.mapSizePixels {
		return 0, false
	}
	return row*dr.mapSizePixels + col, true
}

// Pose returns the current pose.
func (dr *DeadReckoning) Pose() Pose {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	return dr.pose
}

// Map copies the occupancy grid into buf.
func (dr *DeadReckoning) Map(buf []byte) error {
	if len(buf) != len(dr.grid) {
		return errors.Wrapf(ErrMapBufferSize, "got %d bytes, expected %d", len(buf), len(dr.grid))
	}
	dr.mu.Lock()
	defer dr.mu.Unlock()
	copy(buf, dr.grid)
	return nil
}

func normalizeAngle(theta float64) float64 {
	theta = math.Mod(theta+math.Pi, 2*math.Pi)
	if theta < 0 {
		theta += 2 * math.Pi
	}
	return theta - math.Pi
}
