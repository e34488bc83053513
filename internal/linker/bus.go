// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package linker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/vigil/internal/metrics"
)

// metadata keys on bus messages.
const (
	metaEventType  = "event_type"
	metaOccurredAt = "occurred_at"
)

// BusConfig holds event bus configuration.
type BusConfig struct {
	// OutputBuffer is the per-subscriber channel buffer. A slow subscriber
	// only stalls publishers once its buffer fills.
	// Default: 64
	OutputBuffer int64

	// CloseTimeout is how long to wait for handlers to finish when closing.
	// Default: 10s
	CloseTimeout time.Duration
}

// DefaultBusConfig returns production defaults for the bus.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		OutputBuffer: 64,
		CloseTimeout: 10 * time.Second,
	}
}

// Bus is the process-wide typed event bus shared by all linked features.
// It is the sole inter-feature communication channel; features never call
// across feature boundaries directly.
//
// Built on Watermill's gochannel Pub/Sub with a Router providing panic
// recovery, so one misbehaving subscriber cannot take the bus down.
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	seq     int
}

// NewBus creates an event bus. Pass nil to use the zerolog-backed logger.
func NewBus(cfg BusConfig, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = NewWatermillLogger()
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 64
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.OutputBuffer,
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create bus router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	return &Bus{
		pubsub: pubsub,
		router: router,
		logger: logger,
	}, nil
}

// Publish emits an event of the given type. The payload is JSON-encoded
// into the event envelope. Publishing to an unknown event type is an
// error; the event set is closed.
func (b *Bus) Publish(eventType EventType, payload any) error {
	if !eventType.Valid() {
		return fmt.Errorf("unknown event type %q", eventType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	msg := message.NewMessage(uuid.NewString(), body)
	msg.Metadata.Set(metaEventType, string(eventType))
	msg.Metadata.Set(metaOccurredAt, time.Now().UTC().Format(time.RFC3339Nano))

	if err := b.pubsub.Publish(eventType.Topic(), msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	metrics.EventsPublished.WithLabelValues(string(eventType)).Inc()
	return nil
}

// Handler processes one event. Returning an error nacks the message; the
// recovery middleware converts subscriber panics into errors.
type Handler func(ctx context.Context, ev Event) error

// Subscribe registers a handler for one event type. Handler names must be
// unique per subscription; the same event type may have many subscribers.
// Subscriptions made after Serve has started are picked up immediately.
func (b *Bus) Subscribe(name string, eventType EventType, handler Handler) error {
	if !eventType.Valid() {
		return fmt.Errorf("unknown event type %q", eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	handlerName := fmt.Sprintf("%s-%d", name, b.seq)

	b.router.AddNoPublisherHandler(handlerName, eventType.Topic(), b.pubsub,
		func(msg *message.Message) error {
			occurredAt, _ := time.Parse(time.RFC3339Nano, msg.Metadata.Get(metaOccurredAt))
			ev := Event{
				ID:         msg.UUID,
				Type:       EventType(msg.Metadata.Get(metaEventType)),
				OccurredAt: occurredAt,
				Payload:    msg.Payload,
			}
			return handler(msg.Context(), ev)
		})

	if b.running {
		return b.router.RunHandlers(b.runCtx)
	}
	return nil
}

// Serve runs the bus router until the context is canceled. Implements
// suture.Service so the bus lives in the supervision tree.
func (b *Bus) Serve(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.runCtx = ctx
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	return b.router.Run(ctx)
}

// Running reports whether handlers are processing events. It becomes true
// shortly after Serve starts.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

// Close shuts down the router and the underlying Pub/Sub, releasing all
// subscriber goroutines.
func (b *Bus) Close() error {
	if err := b.router.Close(); err != nil {
		return fmt.Errorf("close bus router: %w", err)
	}
	return b.pubsub.Close()
}

// String implements fmt.Stringer for supervisor logging.
func (b *Bus) String() string {
	return "event-bus"
}
