// Package sensors defines the scan and odometry sources used by the fusion loop
package sensors

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// ErrAcquisitionTimeout denotes that a source did not deliver a reading within its bounded wait.
var ErrAcquisitionTimeout = errors.New("sensor acquisition timed out")

// ScanSample is a single lidar return. AngleDegrees is measured in the sensor frame and
// Distance is in millimeters. Quality is passed through untouched.
type ScanSample struct {
	Quality      int
	AngleDegrees float64
	Distance     float64
}

// TimedScanResponse is one lidar revolution and the time it was acquired.
type TimedScanResponse struct {
	Samples     []ScanSample
	ReadingTime time.Time
}

// TimedOdometryResponse holds cumulative wheel counts, in wheel revolutions, and the time they were read.
type TimedOdometryResponse struct {
	Left        float64
	Right       float64
	ReadingTime time.Time
}

// TimedScanSource describes a lidar that reports the time the reading is from.
type TimedScanSource interface {
	Name() string
	TimedScan(ctx context.Context) (TimedScanResponse, error)
}

// TimedOdometrySource describes a pair of wheel encoders that reports the time the reading is from.
type TimedOdometrySource interface {
	Name() string
	TimedOdometry(ctx context.Context) (TimedOdometryResponse, error)
}

// IsTimeout reports whether err came from a reading that ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrAcquisitionTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// timeoutError converts a deadline expiry into ErrAcquisitionTimeout.
func timeoutError(ctx context.Context, source string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(ErrAcquisitionTimeout, "%s", source)
	}
	return ctx.Err()
}

// ValidateGetData calls read every sensorValidationInterval until it succeeds or
// sensorValidationMaxTimeout has elapsed. Returns an error if no valid reading was returned.
func ValidateGetData(
	ctx context.Context,
	name string,
	read func(ctx context.Context) error,
	sensorValidationMaxTimeout time.Duration,
	sensorValidationInterval time.Duration,
	logger logging.Logger,
) error {
	ctx, span := trace.StartSpan(ctx, "odomslam::sensors::ValidateGetData")
	defer span.End()

	startTime := time.Now().UTC()

	for {
		err := read(ctx)
		if err == nil {
			return nil
		}

		logger.Debugw("ValidateGetData hit error: ", "sensor", name, "error", err)
		if time.Since(startTime) >= sensorValidationMaxTimeout {
			return errors.Wrapf(err, "ValidateGetData timeout for %s", name)
		}
		if !goutils.SelectContextOrWait(ctx, sensorValidationInterval) {
			return ctx.Err()
		}
	}
}
