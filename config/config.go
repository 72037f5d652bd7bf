// Package config implements functions to assist with attribute evaluation in the SLAM service.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	s "github.com/viam-modules/viam-odomslam/sensors"
)

// Transports the service can read scans and odometry over.
const (
	// TransportRDK reads scans from a camera component and odometry from two encoder components.
	TransportRDK = "rdk"
	// TransportUDP reads scans and odometry as msgpack datagrams.
	TransportUDP = "udp"
	// TransportSerial reads scans as msgpack datagrams and odometry from a serial line.
	TransportSerial = "serial"
)

// Defaults for optional attributes.
const (
	DefaultMapSizePixels         = 2000
	DefaultMapSizeMeters         = 20.0
	DefaultMinSamples            = 50
	DefaultWheelBaseMM           = 482.6
	DefaultWheelRadiusMM         = 82.55
	DefaultCycleRateHz           = 10.0
	DefaultAcquisitionTimeoutSec = 4.0
	DefaultSnapshotEveryNCycles  = 10
)

var (
	errUnknownTransport = errors.New("transport must be one of \"rdk\", \"udp\" or \"serial\"")
	maxPort             = math.MaxUint16
)

// newError returns an error specific to a failure in the SLAM config.
func newError(configError string) error {
	return errors.Errorf("SLAM Service configuration error: %s", configError)
}

// Config describes how to configure the SLAM service.
type Config struct {
	Transport string `json:"transport,omitempty"`

	Camera                    string  `json:"camera,omitempty"`
	LeftEncoder               string  `json:"left_encoder,omitempty"`
	RightEncoder              string  `json:"right_encoder,omitempty"`
	EncoderTicksPerRevolution float64 `json:"encoder_ticks_per_revolution,omitempty"`

	ScanPort       int    `json:"scan_port,omitempty"`
	OdometryPort   int    `json:"odometry_port,omitempty"`
	SerialPath     string `json:"serial_path,omitempty"`
	SerialBaudRate int    `json:"serial_baud_rate,omitempty"`

	MapSizePixels int     `json:"map_size_pixels,omitempty"`
	MapSizeMeters float64 `json:"map_size_meters,omitempty"`
	MinSamples    *int    `json:"min_samples,omitempty"`
	WheelBaseMM   float64 `json:"wheel_base_mm,omitempty"`
	WheelRadiusMM float64 `json:"wheel_radius_mm,omitempty"`

	CycleRateHz           float64 `json:"cycle_rate_hz,omitempty"`
	AcquisitionTimeoutSec float64 `json:"acquisition_timeout_sec,omitempty"`
	MaxFallbackCycles     int     `json:"max_fallback_cycles,omitempty"`

	WebSocketPort        int    `json:"websocket_port,omitempty"`
	SnapshotDir          string `json:"snapshot_dir,omitempty"`
	SnapshotEveryNCycles int    `json:"snapshot_every_n_cycles,omitempty"`
}

// transport returns the configured transport, defaulting to rdk components.
func (config *Config) transport() string {
	if config.Transport == "" {
		return TransportRDK
	}
	return config.Transport
}

// Validate creates the list of implicit dependencies.
func (config *Config) Validate(path string) ([]string, error) {
	var deps []string
	switch config.transport() {
	case TransportRDK:
		if config.Camera == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "camera")
		}
		if config.LeftEncoder == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "left_encoder")
		}
		if config.RightEncoder == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "right_encoder")
		}
		deps = []string{config.Camera, config.LeftEncoder, config.RightEncoder}
	case TransportUDP:
	case TransportSerial:
		if config.SerialPath == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "serial_path")
		}
	default:
		return nil, utils.NewConfigValidationError(path, errUnknownTransport)
	}

	ports := []struct {
		name  string
		value int
	}{
		{"scan_port", config.ScanPort},
		{"odometry_port", config.OdometryPort},
		{"websocket_port", config.WebSocketPort},
	}
	for _, port := range ports {
		if port.value < 0 || port.value > maxPort {
			return nil, newError(fmt.Sprintf("%s must be between 0 and %d, got %d", port.name, maxPort, port.value))
		}
	}

	nonNegative := []struct {
		name  string
		value float64
	}{
		{"map_size_pixels", float64(config.MapSizePixels)},
		{"map_size_meters", config.MapSizeMeters},
		{"wheel_base_mm", config.WheelBaseMM},
		{"wheel_radius_mm", config.WheelRadiusMM},
		{"encoder_ticks_per_revolution", config.EncoderTicksPerRevolution},
		{"serial_baud_rate", float64(config.SerialBaudRate)},
		{"cycle_rate_hz", config.CycleRateHz},
		{"acquisition_timeout_sec", config.AcquisitionTimeoutSec},
		{"max_fallback_cycles", float64(config.MaxFallbackCycles)},
		{"snapshot_every_n_cycles", float64(config.SnapshotEveryNCycles)},
	}
	for _, field := range nonNegative {
		if field.value < 0 {
			return nil, newError("cannot specify " + field.name + " less than zero")
		}
	}
	if config.MinSamples != nil && *config.MinSamples < 0 {
		return nil, newError("cannot specify min_samples less than zero")
	}

	return deps, nil
}

// OptionalParameters are the attributes of a Config with defaults applied.
type OptionalParameters struct {
	Transport            string
	ScanPort             int
	OdometryPort         int
	SerialBaudRate       int
	MapSizePixels        int
	MapSizeMeters        float64
	MinSamples           int
	WheelBaseMM          float64
	WheelRadiusMM        float64
	CycleInterval        time.Duration
	AcquisitionTimeout   time.Duration
	MaxFallbackCycles    int
	SnapshotEveryNCycles int
}

// GetOptionalParameters returns the config's optional attributes, using defaults for any
// that are unset.
func GetOptionalParameters(config *Config, logger logging.Logger) OptionalParameters {
	params := OptionalParameters{
		Transport:            config.transport(),
		ScanPort:             config.ScanPort,
		OdometryPort:         config.OdometryPort,
		SerialBaudRate:       config.SerialBaudRate,
		MapSizePixels:        config.MapSizePixels,
		MapSizeMeters:        config.MapSizeMeters,
		WheelBaseMM:          config.WheelBaseMM,
		WheelRadiusMM:        config.WheelRadiusMM,
		MaxFallbackCycles:    config.MaxFallbackCycles,
		SnapshotEveryNCycles: config.SnapshotEveryNCycles,
	}

	if params.ScanPort == 0 {
		params.ScanPort = s.DefaultScanPort
	}
	if params.OdometryPort == 0 {
		params.OdometryPort = s.DefaultOdometryPort
	}
	if params.SerialBaudRate == 0 {
		params.SerialBaudRate = s.DefaultSerialBaudRate
	}
	if params.MapSizePixels == 0 {
		logger.Debugf("no map_size_pixels given, setting to default value of %d", DefaultMapSizePixels)
		params.MapSizePixels = DefaultMapSizePixels
	}
	if params.MapSizeMeters == 0 {
		logger.Debugf("no map_size_meters given, setting to default value of %v", DefaultMapSizeMeters)
		params.MapSizeMeters = DefaultMapSizeMeters
	}
	if config.MinSamples == nil {
		logger.Debugf("no min_samples given, setting to default value of %d", DefaultMinSamples)
		params.MinSamples = DefaultMinSamples
	} else {
		params.MinSamples = *config.MinSamples
	}
	if params.WheelBaseMM == 0 {
		params.WheelBaseMM = DefaultWheelBaseMM
	}
	if params.WheelRadiusMM == 0 {
		params.WheelRadiusMM = DefaultWheelRadiusMM
	}
	if params.SnapshotEveryNCycles == 0 {
		params.SnapshotEveryNCycles = DefaultSnapshotEveryNCycles
	}

	cycleRateHz := config.CycleRateHz
	if cycleRateHz == 0 {
		logger.Debugf("no cycle_rate_hz given, setting to default value of %v", DefaultCycleRateHz)
		cycleRateHz = DefaultCycleRateHz
	}
	params.CycleInterval = time.Duration(float64(time.Second) / cycleRateHz)

	timeoutSec := config.AcquisitionTimeoutSec
	if timeoutSec == 0 {
		timeoutSec = DefaultAcquisitionTimeoutSec
	}
	params.AcquisitionTimeout = time.Duration(timeoutSec * float64(time.Second))

	if params.MaxFallbackCycles == 0 {
		logger.Debug("no max_fallback_cycles given, the last adequate scan may be reused indefinitely")
	}
	return params
}
