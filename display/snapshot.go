package display

import (
	"context"
	"image"
	"image/color"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/viam-modules/viam-odomslam/dataprocess"
)

// SnapshotConfig configures a Snapshot display.
type SnapshotConfig struct {
	Dir           string
	EveryNFrames  int
	Prefix        string
	MapSizePixels int
	MapSizeMeters float64
	Clock         clock.Clock
	Logger        logging.Logger
}

// Snapshot is a Display that periodically writes the occupancy grid as a PGM and as a PNG plot
// with the trajectory drawn over it.
type Snapshot struct {
	cfg SnapshotConfig

	mu         sync.Mutex
	frames     int
	trajectory plotter.XYs
}

// NewSnapshot creates the snapshot directory and returns the display.
func NewSnapshot(cfg SnapshotConfig) (*Snapshot, error) {
	if cfg.Dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if cfg.MapSizePixels <= 0 || !(cfg.MapSizeMeters > 0) {
		return nil, errors.Errorf("invalid map size %d pixels, %v meters", cfg.MapSizePixels, cfg.MapSizeMeters)
	}
	if cfg.EveryNFrames <= 0 {
		cfg.EveryNFrames = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("snapshot")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "error creating snapshot directory %s", cfg.Dir)
	}
	return &Snapshot{cfg: cfg}, nil
}

// Display records the pose and writes a snapshot every EveryNFrames frames.
func (s *Snapshot) Display(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trajectory = append(s.trajectory, plotter.XY{X: xMeters, Y: yMeters})
	s.frames++
	if s.frames%s.cfg.EveryNFrames != 0 {
		return true, nil
	}

	now := s.cfg.Clock.Now()
	pgmFile := dataprocess.CreateTimestampFilename(s.cfg.Dir, s.cfg.Prefix, ".pgm", now)
	if err := dataprocess.WritePGMToFile(mapBuffer, s.cfg.MapSizePixels, pgmFile); err != nil {
		return true, errors.Wrap(err, "error writing map snapshot")
	}

	pngFile := dataprocess.CreateTimestampFilename(s.cfg.Dir, s.cfg.Prefix, ".png", now)
	if err := s.plot(mapBuffer, pngFile); err != nil {
		return true, errors.Wrap(err, "error writing trajectory snapshot")
	}
	s.cfg.Logger.Debugw("wrote snapshot", "map", pgmFile, "plot", pngFile)
	return true, nil
}

func (s *Snapshot) plot(mapBuffer []byte, filename string) error {
	size := s.cfg.MapSizePixels
	img := image.NewGray(image.Rect(0, 0, size, size))
	// grid row 0 is the bottom of the map, image row 0 is the top
	for row := 0; row < size; row++ {
		copy(img.Pix[(size-1-row)*img.Stride:], mapBuffer[row*size:(row+1)*size])
	}

	p := plot.New()
	p.Title.Text = s.cfg.Prefix
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewImage(img, 0, 0, s.cfg.MapSizeMeters, s.cfg.MapSizeMeters))

	line, err := plotter.NewLine(s.trajectory)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 255, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)

	return p.Save(6*vg.Inch, 6*vg.Inch, filename)
}

// Trajectory returns the poses recorded so far, in meters.
func (s *Snapshot) Trajectory() plotter.XYs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(plotter.XYs(nil), s.trajectory...)
}
