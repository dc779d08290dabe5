package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nerrad567/onionwarden/internal/infrastructure/mqtt"
	"github.com/nerrad567/onionwarden/internal/tor"
)

const defaultQueueSize = 256

// Publisher is satisfied by *mqtt.Client.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// Logger is the subset of logging.Logger used here.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// StateMessage is the retained payload on the state topic.
type StateMessage struct {
	HandleID  string    `json:"handle_id"`
	State     string    `json:"state"`
	Previous  string    `json:"previous"`
	PID       int       `json:"pid,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// BootstrapMessage is the payload on the bootstrap topic.
type BootstrapMessage struct {
	HandleID string    `json:"handle_id"`
	Percent  int       `json:"percent"`
	Tag      string    `json:"tag,omitempty"`
	Summary  string    `json:"summary,omitempty"`
	Time     time.Time `json:"time"`
}

// NewStateMessage builds the state payload for a transition.
func NewStateMessage(t tor.Transition) StateMessage {
	msg := StateMessage{
		HandleID: t.HandleID,
		State:    t.To.String(),
		Previous: t.From.String(),
		PID:      t.PID,
		Time:     t.Time.UTC(),
	}
	switch t.To {
	case tor.StateReady:
		msg.Message = tor.UserMessage(nil)
	case tor.StateFailed:
		msg.ErrorKind = tor.Kind(t.Err)
		msg.Message = tor.UserMessage(t.Err)
		if t.Err != nil {
			msg.Error = t.Err.Error()
		}
		if code := tor.ExitCode(t.Err); code >= 0 {
			msg.ExitCode = &code
		}
	default:
		msg.Message = tor.UserMessage(tor.ErrTimeout)
	}
	return msg
}

type outbound struct {
	topic    string
	payload  any
	retained bool
}

// MQTTObserver publishes transitions, bootstrap progress and (optionally)
// log lines. Call Run to start publishing.
type MQTTObserver struct {
	pub          Publisher
	logger       Logger
	publishLines bool

	queue   chan outbound
	dropped atomic.Uint64
}

// MQTTOptions configures an MQTTObserver.
type MQTTOptions struct {
	// PublishLines mirrors every Tor stdout line to the log topic.
	PublishLines bool

	// QueueSize bounds buffered messages. Default: 256.
	QueueSize int
}

// NewMQTTObserver creates an observer publishing through pub.
func NewMQTTObserver(pub Publisher, opts MQTTOptions, logger Logger) *MQTTObserver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &MQTTObserver{
		pub:          pub,
		logger:       logger,
		publishLines: opts.PublishLines,
		queue:        make(chan outbound, opts.QueueSize),
	}
}

// OnLine queues the line when line mirroring is on.
func (o *MQTTObserver) OnLine(l tor.LogLine) {
	if !o.publishLines {
		return
	}
	o.enqueue(outbound{topic: mqtt.Topics{}.TorLog(), payload: l})
}

// OnBootstrap queues a progress report.
func (o *MQTTObserver) OnBootstrap(p tor.Progress) {
	o.enqueue(outbound{topic: mqtt.Topics{}.TorBootstrap(), payload: BootstrapMessage{
		HandleID: p.HandleID,
		Percent:  p.Percent,
		Tag:      p.Tag,
		Summary:  p.Summary,
		Time:     p.Time.UTC(),
	}})
}

// OnTransition queues the retained state message.
func (o *MQTTObserver) OnTransition(t tor.Transition) {
	o.enqueue(outbound{topic: mqtt.Topics{}.TorState(), payload: NewStateMessage(t), retained: true})
}

// Dropped returns how many messages were discarded on a full queue.
func (o *MQTTObserver) Dropped() uint64 {
	return o.dropped.Load()
}

func (o *MQTTObserver) enqueue(m outbound) {
	select {
	case o.queue <- m:
	default:
		if n := o.dropped.Add(1); n == 1 || n%100 == 0 {
			o.logger.Warn("mqtt queue full, dropping messages", "topic", m.topic, "dropped", n)
		}
	}
}

// Run publishes queued messages until ctx is cancelled, then flushes what
// is already queued.
func (o *MQTTObserver) Run(ctx context.Context) {
	for {
		select {
		case m := <-o.queue:
			o.publish(m)
		case <-ctx.Done():
			o.drain()
			return
		}
	}
}

func (o *MQTTObserver) drain() {
	for {
		select {
		case m := <-o.queue:
			o.publish(m)
		default:
			return
		}
	}
}

func (o *MQTTObserver) publish(m outbound) {
	if err := o.pub.PublishJSON(m.topic, m.payload, m.retained); err != nil {
		o.logger.Warn("mqtt publish failed", "topic", m.topic, "error", err)
	}
}
