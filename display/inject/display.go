// Package inject provides dependency injected structures for mocking the display.
package inject

import (
	"context"

	"github.com/viam-modules/viam-odomslam/display"
)

// Display is an injected Display. The wrapped display is held in Real since the embedded field
// would clash with the Display method.
type Display struct {
	Real        display.Display
	DisplayFunc func(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error)
}

// Display calls the injected DisplayFunc or the real version.
func (d *Display) Display(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error) {
	if d.DisplayFunc == nil {
		return d.Real.Display(ctx, xMeters, yMeters, thetaRadians, mapBuffer)
	}
	return d.DisplayFunc(ctx, xMeters, yMeters, thetaRadians, mapBuffer)
}
