package sensors

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/encoder"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

const degreesPerRevolution = 360.0

// wheelEncoder is the part of encoder.Encoder the odometry source reads from.
type wheelEncoder interface {
	Position(ctx context.Context, positionType encoder.PositionType, extra map[string]interface{}) (
		float64, encoder.PositionType, error)
}

// WheelEncoders reads a left and a right wheel encoder as one odometry source.
type WheelEncoders struct {
	name               string
	left               wheelEncoder
	right              wheelEncoder
	positionType       encoder.PositionType
	ticksPerRevolution float64
}

// Name returns the name of the odometry source.
func (we WheelEncoders) Name() string {
	return we.name
}

// TimedOdometry returns the cumulative revolutions of both wheels. The reading time is the
// midpoint of the two encoder reads.
func (we WheelEncoders) TimedOdometry(ctx context.Context) (TimedOdometryResponse, error) {
	start := time.Now().UTC()
	left, err := we.revolutions(ctx, we.left)
	if err != nil {
		return TimedOdometryResponse{}, errors.Wrap(err, "left encoder Position error")
	}
	right, err := we.revolutions(ctx, we.right)
	if err != nil {
		return TimedOdometryResponse{}, errors.Wrap(err, "right encoder Position error")
	}
	end := time.Now().UTC()

	return TimedOdometryResponse{
		Left:        left,
		Right:       right,
		ReadingTime: start.Add(end.Sub(start) / 2),
	}, nil
}

func (we WheelEncoders) revolutions(ctx context.Context, enc wheelEncoder) (float64, error) {
	position, positionType, err := enc.Position(ctx, we.positionType, nil)
	if err != nil {
		if ctx.Err() != nil {
			return 0, timeoutError(ctx, we.name)
		}
		return 0, err
	}
	switch positionType {
	case encoder.PositionTypeDegrees:
		return position / degreesPerRevolution, nil
	case encoder.PositionTypeTicks:
		if we.ticksPerRevolution <= 0 {
			return 0, errors.New("encoder reported ticks but encoder_ticks_per_revolution is not set")
		}
		return position / we.ticksPerRevolution, nil
	case encoder.PositionTypeUnspecified:
		return 0, errors.New("encoder reported an unspecified position type")
	default:
		return 0, errors.Errorf("unknown encoder position type %v", positionType)
	}
}

// NewWheelEncoders returns the odometry source backed by two encoder components. Encoders that
// support angles are read in degrees; otherwise ticks are converted using ticksPerRevolution.
func NewWheelEncoders(
	ctx context.Context,
	deps resource.Dependencies,
	leftName, rightName string,
	ticksPerRevolution float64,
	logger logging.Logger,
) (WheelEncoders, error) {
	ctx, span := trace.StartSpan(ctx, "odomslam::sensors::NewWheelEncoders")
	defer span.End()

	left, err := encoder.FromDependencies(deps, leftName)
	if err != nil {
		return WheelEncoders{}, errors.Wrapf(err, "error getting left encoder \"%v\" for slam service", leftName)
	}
	right, err := encoder.FromDependencies(deps, rightName)
	if err != nil {
		return WheelEncoders{}, errors.Wrapf(err, "error getting right encoder \"%v\" for slam service", rightName)
	}

	degreesSupported, ticksSupported := true, true
	for _, enc := range []encoder.Encoder{left, right} {
		properties, err := enc.Properties(ctx, nil)
		if err != nil {
			return WheelEncoders{}, errors.Wrapf(err, "error getting encoder properties from \"%v\"", enc.Name())
		}
		degreesSupported = degreesSupported && properties.AngleDegreesSupported
		ticksSupported = ticksSupported && properties.TicksCountSupported
	}

	var positionType encoder.PositionType
	switch {
	case degreesSupported:
		positionType = encoder.PositionTypeDegrees
	case ticksSupported:
		positionType = encoder.PositionTypeTicks
	default:
		return WheelEncoders{}, errors.New("wheel encoders must both support angles or both support ticks")
	}
	if positionType == encoder.PositionTypeTicks && ticksPerRevolution <= 0 {
		return WheelEncoders{}, errors.New("encoder_ticks_per_revolution must be set for tick-only encoders")
	}
	logger.Debugw("configured wheel encoders", "left", leftName, "right", rightName, "position_type", positionType)

	return newWheelEncoders(leftName+"+"+rightName, left, right, positionType, ticksPerRevolution), nil
}

func newWheelEncoders(
	name string,
	left, right wheelEncoder,
	positionType encoder.PositionType,
	ticksPerRevolution float64,
) WheelEncoders {
	return WheelEncoders{
		name:               name,
		left:               left,
		right:              right,
		positionType:       positionType,
		ticksPerRevolution: ticksPerRevolution,
	}
}
