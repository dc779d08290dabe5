package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementBootstrap = "tor_bootstrap"
	MeasurementState     = "tor_state"
	MeasurementRun       = "tor_run"
)

// BootstrapPoint records one bootstrap progress report.
func BootstrapPoint(handleID string, percent int, tag string, at time.Time) *write.Point {
	tags := map[string]string{"handle": handleID}
	if tag != "" {
		tags["phase"] = tag
	}
	return write.NewPoint(MeasurementBootstrap, tags,
		map[string]any{"percent": percent}, at)
}

// StatePoint records a state transition. The numeric code makes state
// graphable; errKind is empty unless the handle failed.
func StatePoint(handleID, state string, code int, errKind string, at time.Time) *write.Point {
	tags := map[string]string{"handle": handleID, "state": state}
	if errKind != "" {
		tags["error_kind"] = errKind
	}
	return write.NewPoint(MeasurementState, tags,
		map[string]any{"code": code}, at)
}

// RunPoint summarises a finished run. readyAfter is zero when the run never
// became ready; exitCode is -1 when unknown.
func RunPoint(handleID, finalState string, readyAfter, lifetime time.Duration, exitCode int, lines uint64, at time.Time) *write.Point {
	fields := map[string]any{
		"lifetime_seconds": lifetime.Seconds(),
		"exit_code":        exitCode,
		"lines":            lines,
	}
	if readyAfter > 0 {
		fields["ready_seconds"] = readyAfter.Seconds()
	}
	return write.NewPoint(MeasurementRun,
		map[string]string{"handle": handleID, "state": finalState},
		fields, at)
}
