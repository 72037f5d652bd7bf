// Package telemetry exports trace spans from the standalone binary.
package telemetry

import (
	"time"

	"go.viam.com/utils/perf"
)

// DefaultReportingInterval is how often spans are reported when no interval is given.
const DefaultReportingInterval = time.Second

// SetupTelemetry starts a development exporter that reports spans every reportingInterval.
// The caller stops it with Stop.
func SetupTelemetry(reportingInterval time.Duration) (perf.Exporter, error) {
	if reportingInterval <= 0 {
		reportingInterval = DefaultReportingInterval
	}
	exporter := perf.NewDevelopmentExporterWithOptions(perf.DevelopmentExporterOptions{
		ReportingInterval: reportingInterval,
	})
	if err := exporter.Start(); err != nil {
		return nil, err
	}

	return exporter, nil
}
