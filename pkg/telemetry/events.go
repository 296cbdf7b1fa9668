package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventsTopic is the topic every conveyor event is published on.
const EventsTopic = "conveyor.events"

// Metadata keys set on each published message.
const (
	MetadataEventType   = "event_type"
	MetadataExecutionID = "execution_id"
)

// Event represents a status change or notification in the conveyor system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	ExecutionID string `json:"execution_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventBus publishes events on an in-process watermill pub/sub. A disabled
// bus accepts and drops everything.
type EventBus struct {
	config EventsConfig
	pubsub *gochannel.GoChannel
	logger *Logger
}

// NewEventBus creates an event bus with the given configuration.
func NewEventBus(cfg EventsConfig, logger *Logger) *EventBus {
	if logger == nil {
		logger = NewNopLogger()
	}
	bus := &EventBus{config: cfg, logger: logger.NewComponentLogger("events")}
	if !cfg.Enabled {
		return bus
	}
	bus.pubsub = gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            int64(cfg.BufferSize),
			Persistent:                     cfg.Persistent,
			BlockPublishUntilSubscriberAck: cfg.BlockUntilAck,
		},
		NewWatermillLogger(bus.logger),
	)
	return bus
}

// Publish encodes the event and publishes it on EventsTopic.
func (b *EventBus) Publish(_ context.Context, event Event) error {
	if b == nil || b.pubsub == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = watermill.NewULID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set(MetadataEventType, event.Type)
	msg.Metadata.Set(MetadataExecutionID, event.ExecutionID)

	return b.pubsub.Publish(EventsTopic, msg)
}

// Subscribe returns a channel of decoded events. Messages that fail to decode
// are nacked and skipped. The channel closes when ctx is done or the bus closes.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	if b == nil || b.pubsub == nil {
		return nil, fmt.Errorf("event bus is disabled")
	}

	messages, err := b.pubsub.Subscribe(ctx, EventsTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, b.config.BufferSize)
	go func() {
		defer close(out)
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.WithError(err).Warn("dropping undecodable event")
				msg.Nack()
				continue
			}
			select {
			case out <- event:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()

	return out, nil
}

// Close shuts down the pub/sub, closing every subscription channel.
func (b *EventBus) Close() error {
	if b == nil || b.pubsub == nil {
		return nil
	}
	return b.pubsub.Close()
}

// watermillLogger adapts Logger to watermill.LoggerAdapter.
type watermillLogger struct {
	logger *Logger
}

// NewWatermillLogger wraps a Logger for use by watermill components.
func NewWatermillLogger(logger *Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.WithFields(fields).WithError(err).Error(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.WithFields(fields).Debug(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.WithFields(fields).Debug(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.WithFields(fields).Trace(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: w.logger.WithFields(fields)}
}
