package sensors

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/utils/contextutils"
)

const replayTimestampErrorMessage = "replay sensor timestamp parse RFC3339Nano error"

// pointCloudQuality is reported for every sample built from a point cloud, which carries no
// per-return quality.
const pointCloudQuality = 0

// Lidar represents a 2D LIDAR exposed as a point cloud camera.
type Lidar struct {
	name  string
	Lidar camera.Camera
}

// Name returns the name of the lidar.
func (lidar Lidar) Name() string {
	return lidar.name
}

// TimedScan returns the next revolution from the lidar and the time the reading is from.
func (lidar Lidar) TimedScan(ctx context.Context) (TimedScanResponse, error) {
	ctxWithMetadata, md := contextutils.ContextWithMetadata(ctx)
	readingPc, err := lidar.Lidar.NextPointCloud(ctxWithMetadata)
	if err != nil {
		if ctx.Err() != nil {
			return TimedScanResponse{}, timeoutError(ctx, lidar.name)
		}
		return TimedScanResponse{}, errors.Wrap(err, "NextPointCloud error")
	}
	readingTime := time.Now().UTC()

	if timeRequestedMetadata, ok := md[contextutils.TimeRequestedMetadataKey]; ok {
		if readingTime, err = time.Parse(time.RFC3339Nano, timeRequestedMetadata[0]); err != nil {
			return TimedScanResponse{}, errors.Wrap(err, replayTimestampErrorMessage)
		}
	}
	return TimedScanResponse{Samples: PointCloudToScan(readingPc), ReadingTime: readingTime}, nil
}

// PointCloudToScan flattens a point cloud onto the lidar plane and returns the samples ordered by
// angle. Angles are in [0, 360) degrees, distances in the point cloud's unit (millimeters).
func PointCloudToScan(pc pointcloud.PointCloud) []ScanSample {
	if pc == nil {
		return nil
	}
	samples := make([]ScanSample, 0, pc.Size())
	pc.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		angle := math.Atan2(p.Y, p.X) * 180 / math.Pi
		if angle < 0 {
			angle += 360
		}
		samples = append(samples, ScanSample{
			Quality:      pointCloudQuality,
			AngleDegrees: angle,
			Distance:     math.Hypot(p.X, p.Y),
		})
		return true
	})
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].AngleDegrees < samples[j].AngleDegrees
	})
	return samples
}

// NewLidar returns a new Lidar.
func NewLidar(
	ctx context.Context,
	deps resource.Dependencies,
	cameraName string,
	logger logging.Logger,
) (Lidar, error) {
	_, span := trace.StartSpan(ctx, "odomslam::sensors::NewLidar")
	defer span.End()
	lidar, err := camera.FromDependencies(deps, cameraName)
	if err != nil {
		return Lidar{}, errors.Wrapf(err, "error getting lidar camera %v for slam service", cameraName)
	}

	properties, err := lidar.Properties(ctx)
	if err != nil {
		return Lidar{}, errors.Wrapf(err, "error getting lidar camera properties %v for slam service", cameraName)
	}

	if !properties.SupportsPCD {
		return Lidar{}, errors.New("configuring lidar camera error: " +
			"'camera' must support PCD")
	}

	logger.Debugw("configured lidar", "name", cameraName)
	return Lidar{
		name:  cameraName,
		Lidar: lidar,
	}, nil
}
