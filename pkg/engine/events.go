package engine

import (
	"context"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// BusPublisher forwards engine events to the telemetry event bus.
type BusPublisher struct {
	bus *telemetry.EventBus
}

// NewBusPublisher returns a publisher writing to bus.
func NewBusPublisher(bus *telemetry.EventBus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

// Publish implements EventPublisher.
func (p *BusPublisher) Publish(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	source := "engine"
	if ev.StepID != "" {
		source = "step:" + ev.StepID
	}
	return p.bus.Publish(ctx, telemetry.Event{
		ID:          ev.ID,
		Timestamp:   ev.Timestamp,
		Type:        string(ev.Type),
		Source:      source,
		ExecutionID: ev.ExecutionID,
		StepID:      ev.StepID,
		Message:     ev.Message,
		Level:       ev.Level,
		Data:        ev.Data,
	})
}
