package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"go.viam.com/test"

	vcConfig "github.com/viam-modules/viam-odomslam/config"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("odomslam", pflag.ContinueOnError)
	flags.String("transport", "", "")
	flags.Int("scan-port", 0, "")
	flags.Int("odometry-port", 0, "")
	flags.String("serial-path", "", "")
	flags.Int("websocket-port", 0, "")
	flags.String("snapshot-dir", "", "")
	test.That(t, flags.Parse(args), test.ShouldBeNil)
	return flags
}

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults to the udp transport", func(t *testing.T) {
		cfg, err := loadConfig("", newFlags(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Transport, test.ShouldEqual, vcConfig.TransportUDP)
		test.That(t, cfg.MinSamples, test.ShouldBeNil)
	})

	t.Run("Reads attributes from a file and lets flags override them", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "odomslam.json")
		data := `{"scan_port": 9000, "odometry_port": 9001, "min_samples": 20, "map_size_meters": 12.5}`
		test.That(t, os.WriteFile(file, []byte(data), 0o600), test.ShouldBeNil)

		cfg, err := loadConfig(file, newFlags(t, "--scan-port", "9100", "--websocket-port", "8080"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.ScanPort, test.ShouldEqual, 9100)
		test.That(t, cfg.OdometryPort, test.ShouldEqual, 9001)
		test.That(t, cfg.WebSocketPort, test.ShouldEqual, 8080)
		test.That(t, *cfg.MinSamples, test.ShouldEqual, 20)
		test.That(t, cfg.MapSizeMeters, test.ShouldEqual, 12.5)
	})

	t.Run("Rejects the rdk transport", func(t *testing.T) {
		_, err := loadConfig("", newFlags(t, "--transport", "rdk"))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "udp or serial transport")
	})

	t.Run("Validates the serial transport", func(t *testing.T) {
		_, err := loadConfig("", newFlags(t, "--transport", "serial"))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "serial_path")
	})

	t.Run("Fails on a missing file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"), newFlags(t))
		test.That(t, err, test.ShouldNotBeNil)
	})
}
