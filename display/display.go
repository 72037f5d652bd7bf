// Package display renders the pose and occupancy grid produced by each fusion cycle.
package display

import (
	"context"
	"io"
	"math"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// Display receives the latest pose, in meters and radians, and the occupancy grid after every
// fusion cycle. Returning false asks the fusion loop to stop.
type Display interface {
	Display(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error)
}

// Logger is a Display that logs every pose at debug level.
type Logger struct {
	logger logging.Logger
}

// NewLogger returns a Display that writes poses to logger.
func NewLogger(logger logging.Logger) *Logger {
	return &Logger{logger: logger}
}

// Display logs the pose and always continues.
func (l *Logger) Display(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error) {
	l.logger.Debugw("pose", "x_m", xMeters, "y_m", yMeters, "theta_deg", thetaRadians*180/math.Pi)
	return true, nil
}

// Multi fans every frame out to several displays.
type Multi []Display

// Display calls every display in order. The loop continues only if all of them continue.
func (m Multi) Display(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error) {
	cont := true
	var errs error
	for _, d := range m {
		ok, err := d.Display(ctx, xMeters, yMeters, thetaRadians, mapBuffer)
		cont = cont && ok
		errs = multierr.Append(errs, err)
	}
	return cont, errs
}

// Close closes every display that holds resources.
func (m Multi) Close() error {
	var errs error
	for _, d := range m {
		if closer, ok := d.(io.Closer); ok {
			errs = multierr.Append(errs, closer.Close())
		}
	}
	return errs
}
