package inject

import (
	"context"

	s "github.com/viam-modules/viam-odomslam/sensors"
)

// TimedOdometrySource is an injected TimedOdometrySource.
type TimedOdometrySource struct {
	s.TimedOdometrySource
	NameFunc          func() string
	TimedOdometryFunc func(ctx context.Context) (s.TimedOdometryResponse, error)
}

// Name calls the injected Name or the real version.
func (tos *TimedOdometrySource) Name() string {
	if tos.NameFunc == nil {
		return tos.TimedOdometrySource.Name()
	}
	return tos.NameFunc()
}

// TimedOdometry calls the injected TimedOdometry or the real version.
func (tos *TimedOdometrySource) TimedOdometry(ctx context.Context) (s.TimedOdometryResponse, error) {
	if tos.TimedOdometryFunc == nil {
		return tos.TimedOdometrySource.TimedOdometry(ctx)
	}
	return tos.TimedOdometryFunc(ctx)
}
