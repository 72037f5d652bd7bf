package main

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	vcConfig "github.com/viam-modules/viam-odomslam/config"
)

// flagKeys maps command line flags to config attribute names.
var flagKeys = map[string]string{
	"transport":      "transport",
	"scan-port":      "scan_port",
	"odometry-port":  "odometry_port",
	"serial-path":    "serial_path",
	"websocket-port": "websocket_port",
	"snapshot-dir":   "snapshot_dir",
}

// loadConfig reads the service attributes from configFile, if given, with flags taking
// precedence. Keys are the same attribute names the module accepts.
func loadConfig(configFile string, flags *pflag.FlagSet) (*vcConfig.Config, error) {
	v := viper.New()
	v.SetDefault("transport", vcConfig.TransportUDP)
	v.SetEnvPrefix("odomslam")
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config %s", configFile)
		}
	}

	data, err := json.Marshal(v.AllSettings())
	if err != nil {
		return nil, err
	}
	cfg := &vcConfig.Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error decoding config")
	}

	if cfg.Transport == vcConfig.TransportRDK {
		return nil, errors.New("the standalone binary needs the udp or serial transport")
	}
	if _, err := cfg.Validate("odomslam"); err != nil {
		return nil, err
	}
	return cfg, nil
}
