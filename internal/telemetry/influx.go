package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/onionwarden/internal/infrastructure/influxdb"
	"github.com/nerrad567/onionwarden/internal/tor"
)

// PointWriter is satisfied by *influxdb.Client.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// InfluxObserver writes bootstrap progress, state changes and a summary
// point per finished run.
type InfluxObserver struct {
	tor.NopObserver
	w PointWriter
}

// NewInfluxObserver creates an observer writing through w.
func NewInfluxObserver(w PointWriter) *InfluxObserver {
	return &InfluxObserver{w: w}
}

func (o *InfluxObserver) OnBootstrap(p tor.Progress) {
	o.w.WritePoint(influxdb.BootstrapPoint(p.HandleID, p.Percent, p.Tag, p.Time))
}

func (o *InfluxObserver) OnTransition(t tor.Transition) {
	o.w.WritePoint(influxdb.StatePoint(t.HandleID, t.To.String(), int(t.To), tor.Kind(t.Err), t.Time))
}

// RecordExit writes the run summary. Use it as an exit hook.
func (o *InfluxObserver) RecordExit(s tor.Stats) {
	ended := s.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	var readyAfter time.Duration
	if !s.ReadyAt.IsZero() {
		readyAfter = s.ReadyAt.Sub(s.StartedAt)
	}
	exitCode := -1
	if s.ExitCode != nil {
		exitCode = *s.ExitCode
	}
	o.w.WritePoint(influxdb.RunPoint(s.ID, s.State.String(), readyAfter, ended.Sub(s.StartedAt), exitCode, s.Lines, ended))
}
