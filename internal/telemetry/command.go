package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/onionwarden/internal/infrastructure/mqtt"
	"github.com/nerrad567/onionwarden/internal/tor"
)

// Command actions accepted on the command topic.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionStatus  = "status"
)

// defaultCommandQueue bounds commands waiting for the worker.
const defaultCommandQueue = 16

var (
	// ErrUnknownAction is returned for an action this handler does not know.
	ErrUnknownAction = errors.New("telemetry: unknown command action")

	// ErrCommandQueueFull is returned to the MQTT client when commands arrive
	// faster than Tor can be started and stopped.
	ErrCommandQueueFull = errors.New("telemetry: command queue full")
)

// Controller is satisfied by *warden.Service.
type Controller interface {
	Start(ctx context.Context) (*tor.Handle, error)
	Stop() error
	Restart(ctx context.Context) (*tor.Handle, error)
	Status() (tor.Stats, bool)
}

// Subscriber is satisfied by *mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Command is a request on the command topic.
type Command struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

// CommandResponse is published on the response topic for every command.
type CommandResponse struct {
	RequestID string     `json:"request_id,omitempty"`
	Action    string     `json:"action"`
	OK        bool       `json:"ok"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
	Status    *tor.Stats `json:"status,omitempty"`
	Time      time.Time  `json:"time"`
}

// CommandHandler executes commands from MQTT against a Controller. Start
// returns once Tor is spawned; readiness is reported on the state topic.
//
// Commands run one at a time on a worker goroutine, in arrival order. The
// MQTT delivery goroutine only enqueues them.
type CommandHandler struct {
	ctrl   Controller
	pub    Publisher
	logger Logger
	queue  chan []byte
}

// NewCommandHandler creates a handler that answers through pub.
func NewCommandHandler(ctrl Controller, pub Publisher, logger Logger) *CommandHandler {
	return &CommandHandler{
		ctrl:   ctrl,
		pub:    pub,
		logger: logger,
		queue:  make(chan []byte, defaultCommandQueue),
	}
}

// Subscribe registers the handler on the command topic and starts the
// worker. ctx bounds the worker and every Start it performs.
func (h *CommandHandler) Subscribe(ctx context.Context, sub Subscriber, qos byte) error {
	err := sub.Subscribe(mqtt.Topics{}.TorCommand(), qos, func(_ string, payload []byte) error {
		select {
		case h.queue <- payload:
			return nil
		default:
			h.logger.Warn("command dropped, queue full", "payload", string(payload))
			return ErrCommandQueueFull
		}
	})
	if err != nil {
		return err
	}
	go h.run(ctx)
	return nil
}

// run executes queued commands until ctx is cancelled.
func (h *CommandHandler) run(ctx context.Context) {
	for {
		select {
		case payload := <-h.queue:
			resp := h.Handle(ctx, payload)
			if err := h.pub.PublishJSON(mqtt.Topics{}.TorResponse(), resp, false); err != nil {
				h.logger.Error("publishing command response failed", "action", resp.Action, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Handle decodes and runs one command.
func (h *CommandHandler) Handle(ctx context.Context, payload []byte) CommandResponse {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return h.respond(cmd, fmt.Errorf("decoding command: %w", err))
	}

	h.logger.Info("command received", "action", cmd.Action, "request_id", cmd.RequestID)

	var err error
	switch cmd.Action {
	case ActionStart:
		_, err = h.ctrl.Start(ctx)
	case ActionStop:
		err = h.ctrl.Stop()
	case ActionRestart:
		_, err = h.ctrl.Restart(ctx)
	case ActionStatus:
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
	return h.respond(cmd, err)
}

func (h *CommandHandler) respond(cmd Command, err error) CommandResponse {
	resp := CommandResponse{
		RequestID: cmd.RequestID,
		Action:    cmd.Action,
		OK:        err == nil,
		Time:      time.Now().UTC(),
	}
	if err != nil {
		resp.Error = err.Error()
		if kind := tor.Kind(err); kind != "unknown" {
			resp.ErrorKind = kind
		}
		h.logger.Warn("command failed", "action", cmd.Action, "error", err)
	}
	if stats, ok := h.ctrl.Status(); ok {
		resp.Status = &stats
	}
	return resp
}
