package sensors

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.viam.com/rdk/logging"
)

const (
	// DefaultScanPort is the port scans are published on.
	DefaultScanPort = 8110
	// DefaultOdometryPort is the port wheel counts are published on.
	DefaultOdometryPort = 8820

	udpMaxPacketSize = 65535
	udpReadBuffer    = 256 * 1024
)

// udpSubscriber keeps the most recent msgpack datagram received on a port.
type udpSubscriber struct {
	name    string
	conn    *net.UDPConn
	timeout time.Duration
	logger  logging.Logger
	latest  *latestMessage

	activeBackgroundWorkers sync.WaitGroup
}

func newUDPSubscriber(name string, port int, timeout time.Duration, logger logging.Logger) (*udpSubscriber, error) {
	addr := net.UDPAddr{Port: port, IP: net.IPv4zero}
	conn, err := net.ListenUDP("udp", &addr)
	if err != nil {
		return nil, errors.Wrapf(err, "error listening for %s on port %d", name, port)
	}
	if err := conn.SetReadBuffer(udpReadBuffer); err != nil {
		logger.Debugw("could not set UDP read buffer", "sensor", name, "error", err)
	}

	sub := &udpSubscriber{
		name:    name,
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		latest:  newLatestMessage(),
	}
	sub.activeBackgroundWorkers.Add(1)
	go func() {
		defer sub.activeBackgroundWorkers.Done()
		sub.receive()
	}()
	return sub, nil
}

func (sub *udpSubscriber) receive() {
	buf := make([]byte, udpMaxPacketSize)
	for {
		n, _, err := sub.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			sub.logger.Debugw("UDP read error", "sensor", sub.name, "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		sub.latest.set(data, time.Now().UTC())
	}
}

func (sub *udpSubscriber) get(ctx context.Context) ([]byte, time.Time, error) {
	return sub.latest.get(ctx, sub.timeout, sub.name)
}

func (sub *udpSubscriber) localPort() int {
	return sub.conn.LocalAddr().(*net.UDPAddr).Port
}

func (sub *udpSubscriber) close() error {
	err := sub.conn.Close()
	sub.activeBackgroundWorkers.Wait()
	return err
}

// UDPScanSource receives scans published as msgpack lists of [quality, angle, distance].
type UDPScanSource struct {
	sub *udpSubscriber
}

// NewUDPScanSource listens for scans on port. Port 0 picks a free port.
func NewUDPScanSource(port int, timeout time.Duration, logger logging.Logger) (*UDPScanSource, error) {
	sub, err := newUDPSubscriber("udp_scan:"+strconv.Itoa(port), port, timeout, logger)
	if err != nil {
		return nil, err
	}
	return &UDPScanSource{sub: sub}, nil
}

// Name returns the name of the scan source.
func (src *UDPScanSource) Name() string {
	return src.sub.name
}

// Port returns the port the source is listening on.
func (src *UDPScanSource) Port() int {
	return src.sub.localPort()
}

// TimedScan returns the latest scan.
func (src *UDPScanSource) TimedScan(ctx context.Context) (TimedScanResponse, error) {
	data, received, err := src.sub.get(ctx)
	if err != nil {
		return TimedScanResponse{}, err
	}
	var items [][]float64
	if err := msgpack.Unmarshal(data, &items); err != nil {
		return TimedScanResponse{}, errors.Wrap(err, "error decoding scan")
	}
	samples := make([]ScanSample, 0, len(items))
	for i, item := range items {
		if len(item) != 3 {
			return TimedScanResponse{}, errors.Errorf("scan item %d has %d fields, expected 3", i, len(item))
		}
		samples = append(samples, ScanSample{Quality: int(item[0]), AngleDegrees: item[1], Distance: item[2]})
	}
	return TimedScanResponse{Samples: samples, ReadingTime: received}, nil
}

// Close stops listening.
func (src *UDPScanSource) Close() error {
	return src.sub.close()
}

// UDPOdometrySource receives wheel counts published as a msgpack list of [left, right].
type UDPOdometrySource struct {
	sub *udpSubscriber
}

// NewUDPOdometrySource listens for wheel counts on port. Port 0 picks a free port.
func NewUDPOdometrySource(port int, timeout time.Duration, logger logging.Logger) (*UDPOdometrySource, error) {
	sub, err := newUDPSubscriber("udp_odometry:"+strconv.Itoa(port), port, timeout, logger)
	if err != nil {
		return nil, err
	}
	return &UDPOdometrySource{sub: sub}, nil
}

// Name returns the name of the odometry source.
func (src *UDPOdometrySource) Name() string {
	return src.sub.name
}

// Port returns the port the source is listening on.
func (src *UDPOdometrySource) Port() int {
	return src.sub.localPort()
}

// TimedOdometry returns the latest wheel counts.
func (src *UDPOdometrySource) TimedOdometry(ctx context.Context) (TimedOdometryResponse, error) {
	data, received, err := src.sub.get(ctx)
	if err != nil {
		return TimedOdometryResponse{}, err
	}
	var counts []float64
	if err := msgpack.Unmarshal(data, &counts); err != nil {
		return TimedOdometryResponse{}, errors.Wrap(err, "error decoding wheel counts")
	}
	if len(counts) != 2 {
		return TimedOdometryResponse{}, errors.Errorf("wheel counts have %d fields, expected 2", len(counts))
	}
	return TimedOdometryResponse{Left: counts[0], Right: counts[1], ReadingTime: received}, nil
}

// Close stops listening.
func (src *UDPOdometrySource) Close() error {
	return src.sub.close()
}
