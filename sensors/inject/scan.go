// Package inject provides dependency injected structures for mocking interfaces.
package inject

import (
	"context"

	s "github.com/viam-modules/viam-odomslam/sensors"
)

// TimedScanSource is an injected TimedScanSource.
type TimedScanSource struct {
	s.TimedScanSource
	NameFunc      func() string
	TimedScanFunc func(ctx context.Context) (s.TimedScanResponse, error)
}

// Name calls the injected Name or the real version.
func (tss *TimedScanSource) Name() string {
	if tss.NameFunc == nil {
		return tss.TimedScanSource.Name()
	}
	return tss.NameFunc()
}

// TimedScan calls the injected TimedScan or the real version.
func (tss *TimedScanSource) TimedScan(ctx context.Context) (s.TimedScanResponse, error) {
	if tss.TimedScanFunc == nil {
		return tss.TimedScanSource.TimedScan(ctx)
	}
	return tss.TimedScanFunc(ctx)
}
