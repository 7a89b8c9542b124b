package internal

import (
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"hackchat/internal/registry"
)

var (
	errMalformedSignal = errors.New("signal frame is not a JSON object")
	errNoSignalTarget  = errors.New("signal frame has no target")
	errTargetOffline   = errors.New("signal target not connected")
)

// Relay forwards signaling frames between users without storing them. It
// only reads "to" and rewrites "from"; every other field passes through.
type Relay struct {
	registry *registry.Registry
	metrics  *Metrics
	logger   *zap.Logger
}

func NewRelay(reg *registry.Registry, metrics *Metrics, logger *zap.Logger) *Relay {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{registry: reg, metrics: metrics, logger: logger}
}

// Forward relays one frame from the given user. A returned error means the
// frame was dropped; the sender is never told.
func (r *Relay) Forward(from string, frame []byte) error {
	err := r.forward(from, frame)
	if err != nil {
		r.metrics.IncRelayDropped()
		r.logger.Debug("signal dropped", zap.String("user_id", from), zap.Error(err))
		return err
	}
	r.metrics.IncRelayed()
	return nil
}

func (r *Relay) forward(from string, frame []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil || fields == nil {
		return errMalformedSignal
	}
	var to string
	if raw, ok := fields["to"]; ok {
		if err := json.Unmarshal(raw, &to); err != nil {
			return errNoSignalTarget
		}
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return errNoSignalTarget
	}
	handle, ok := r.registry.Lookup(registry.KindSignaling, to)
	if !ok {
		return errTargetOffline
	}

	delete(fields, "to")
	sender, err := json.Marshal(from)
	if err != nil {
		return err
	}
	fields["from"] = sender
	out, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return handle.Send(out)
}
