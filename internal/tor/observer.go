package tor

import "time"

// LogLine is one line of Tor stdout.
type LogLine struct {
	HandleID string    `json:"handle_id"`
	Seq      uint64    `json:"seq"`
	Text     string    `json:"text"`
	Time     time.Time `json:"time"`
}

// Transition records a handle moving between states.
type Transition struct {
	HandleID string    `json:"handle_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	PID      int       `json:"pid,omitempty"`
	Err      error     `json:"-"`
	Time     time.Time `json:"time"`
}

// Progress is a bootstrap progress report for a handle.
type Progress struct {
	HandleID string `json:"handle_id"`
	Bootstrap
	Time time.Time `json:"time"`
}

// Observer receives everything the supervisor sees.
//
// OnLine and OnBootstrap run on the handle's reader goroutine in emission
// order; a slow observer delays readiness detection. A panic in either is
// treated as a stream failure. OnTransition may run on the caller's goroutine
// (Start, Stop) or the reader; panics there are logged and swallowed.
// Observers may call Supervisor.Stop.
type Observer interface {
	OnLine(LogLine)
	OnBootstrap(Progress)
	OnTransition(Transition)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the callbacks you need.
type NopObserver struct{}

func (NopObserver) OnLine(LogLine)          {}
func (NopObserver) OnBootstrap(Progress)    {}
func (NopObserver) OnTransition(Transition) {}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) OnLine(l LogLine) {
	for _, obs := range o {
		obs.OnLine(l)
	}
}

func (o Observers) OnBootstrap(p Progress) {
	for _, obs := range o {
		obs.OnBootstrap(p)
	}
}

func (o Observers) OnTransition(t Transition) {
	for _, obs := range o {
		obs.OnTransition(t)
	}
}

// LoggerObserver writes lines and transitions to a Logger.
type LoggerObserver struct {
	NopObserver
	Logger Logger
}

func (o LoggerObserver) OnLine(l LogLine) {
	o.Logger.Info("tor", "handle", l.HandleID, "seq", l.Seq, "line", l.Text)
}

func (o LoggerObserver) OnTransition(t Transition) {
	args := []any{"handle", t.HandleID, "from", t.From.String(), "to", t.To.String()}
	if t.Err != nil {
		args = append(args, "error", t.Err)
	}
	o.Logger.Info("tor state changed", args...)
}
