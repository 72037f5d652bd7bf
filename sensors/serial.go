package sensors

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// DefaultSerialBaudRate is the baud rate used when none is configured.
const DefaultSerialBaudRate = 115200

// SerialOdometer reads wheel counts streamed by a motor controller over a serial line, one
// "<left> <right>" pair of revolutions per line.
type SerialOdometer struct {
	name    string
	port    io.ReadCloser
	timeout time.Duration
	logger  logging.Logger
	latest  *latestMessage

	activeBackgroundWorkers sync.WaitGroup
}

// NewSerialOdometer opens the serial port at path and starts reading wheel counts from it.
func NewSerialOdometer(path string, baudRate int, timeout time.Duration, logger logging.Logger) (*SerialOdometer, error) {
	if baudRate == 0 {
		baudRate = DefaultSerialBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening serial odometer %s", path)
	}
	return newSerialOdometer("serial_odometry:"+path, port, timeout, logger), nil
}

func newSerialOdometer(name string, port io.ReadCloser, timeout time.Duration, logger logging.Logger) *SerialOdometer {
	odom := &SerialOdometer{
		name:    name,
		port:    port,
		timeout: timeout,
		logger:  logger,
		latest:  newLatestMessage(),
	}
	odom.activeBackgroundWorkers.Add(1)
	go func() {
		defer odom.activeBackgroundWorkers.Done()
		odom.receive()
	}()
	return odom
}

func (odom *SerialOdometer) receive() {
	scanner := bufio.NewScanner(odom.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		odom.latest.set([]byte(line), time.Now().UTC())
	}
	if err := scanner.Err(); err != nil {
		odom.logger.Debugw("serial odometer stopped reading", "sensor", odom.name, "error", err)
	}
}

// Name returns the name of the odometry source.
func (odom *SerialOdometer) Name() string {
	return odom.name
}

// TimedOdometry returns the latest wheel counts.
func (odom *SerialOdometer) TimedOdometry(ctx context.Context) (TimedOdometryResponse, error) {
	data, received, err := odom.latest.get(ctx, odom.timeout, odom.name)
	if err != nil {
		return TimedOdometryResponse{}, err
	}
	left, right, err := parseWheelCounts(string(data))
	if err != nil {
		return TimedOdometryResponse{}, err
	}
	return TimedOdometryResponse{Left: left, Right: right, ReadingTime: received}, nil
}

// Close closes the serial port.
func (odom *SerialOdometer) Close() error {
	err := odom.port.Close()
	odom.activeBackgroundWorkers.Wait()
	return err
}

// parseWheelCounts parses a "<left> <right>" line; a comma may be used as the separator.
func parseWheelCounts(line string) (float64, float64, error) {
	fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
	if len(fields) != 2 {
		return 0, 0, errors.Errorf("malformed wheel counts %q", line)
	}
	left, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed left wheel count %q", fields[0])
	}
	right, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed right wheel count %q", fields[1])
	}
	return left, right, nil
}
