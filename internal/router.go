package internal

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hackchat/internal/apperr"
	"hackchat/internal/registry"
	"hackchat/internal/storage"
)

const routerStripes = 64

// MessageLog is the durable side of delivery.
type MessageLog interface {
	AppendMessage(ctx context.Context, sender, recipient, text string) (storage.Message, error)
}

// ChatPayload is the frame pushed to a recipient's chat channel.
type ChatPayload struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

func newChatPayload(msg storage.Message) ChatPayload {
	return ChatPayload{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt().Format(time.RFC3339),
	}
}

// Router persists every accepted message and then pushes a live copy to the
// recipient's chat channel when one is bound. Push failures never reach the
// sender: the stored row is picked up by the next fetch.
type Router struct {
	messages MessageLog
	registry *registry.Registry
	metrics  *Metrics
	logger   *zap.Logger
	fanout   bool
	// append+push for one recipient runs under one stripe so live order
	// matches store order
	stripes [routerStripes]sync.Mutex
}

type RouterOptions struct {
	// BroadcastFanout pushes broadcast messages to every bound chat channel
	// except the sender's. Off by default: broadcast is poll-only.
	BroadcastFanout bool
	Metrics         *Metrics
	Logger          *zap.Logger
}

func NewRouter(messages MessageLog, reg *registry.Registry, opts RouterOptions) *Router {
	r := &Router{
		messages: messages,
		registry: reg,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		fanout:   opts.BroadcastFanout,
	}
	if r.metrics == nil {
		r.metrics = NewMetrics()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Deliver validates, stores and pushes one message. The returned message
// carries the assigned id and timestamp.
func (r *Router) Deliver(ctx context.Context, sender, recipient, text string) (storage.Message, error) {
	sender = strings.TrimSpace(sender)
	recipient = strings.TrimSpace(recipient)
	switch {
	case sender == "":
		return storage.Message{}, apperr.Validation("sender is required")
	case recipient == "":
		return storage.Message{}, apperr.Validation("recipient is required")
	case strings.TrimSpace(text) == "":
		return storage.Message{}, apperr.Validation("text is required")
	}

	stripe := r.stripe(recipient)
	stripe.Lock()
	defer stripe.Unlock()

	msg, err := r.messages.AppendMessage(ctx, sender, recipient, text)
	if err != nil {
		return storage.Message{}, err
	}
	r.metrics.IncStored()

	if msg.IsBroadcast() {
		if r.fanout {
			r.fanOut(msg)
		}
		return msg, nil
	}
	r.push(msg)
	return msg, nil
}

func (r *Router) push(msg storage.Message) {
	handle, ok := r.registry.Lookup(registry.KindChat, msg.Recipient)
	if !ok {
		return
	}
	payload, err := json.Marshal(newChatPayload(msg))
	if err != nil {
		r.logger.Error("encode chat payload", zap.Error(err))
		return
	}
	r.send(handle, msg, msg.Recipient, payload)
}

func (r *Router) fanOut(msg storage.Message) {
	payload, err := json.Marshal(newChatPayload(msg))
	if err != nil {
		r.logger.Error("encode chat payload", zap.Error(err))
		return
	}
	for userID, handle := range r.registry.Snapshot(registry.KindChat) {
		if userID == msg.Sender {
			continue
		}
		r.send(handle, msg, userID, payload)
	}
}

func (r *Router) send(handle registry.Handle, msg storage.Message, target string, payload []byte) {
	if err := handle.Send(payload); err != nil {
		r.metrics.IncPushDropped()
		r.logger.Warn("live push failed; message stays stored",
			zap.Int64("message_id", msg.ID),
			zap.String("recipient", target),
			zap.Error(apperr.DeliveryFailed("push", err)))
		return
	}
	r.metrics.IncPushDelivered()
}

func (r *Router) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.stripes[h.Sum32()%routerStripes]
}
