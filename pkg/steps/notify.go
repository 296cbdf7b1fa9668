package steps

import (
	"context"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Notifier publishes events. *telemetry.EventBus satisfies it.
type Notifier interface {
	Publish(ctx context.Context, event telemetry.Event) error
}

// NotifyExecutor publishes a notification event. Publish failures are logged
// and reported in Data but never fail the step.
type NotifyExecutor struct {
	notifier Notifier
}

// NewNotifyExecutor creates a notify executor. A nil notifier only logs.
func NewNotifyExecutor(notifier Notifier) *NotifyExecutor {
	return &NotifyExecutor{notifier: notifier}
}

// Execute implements engine.StepExecutor.
func (e *NotifyExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	start := time.Now()
	message := step.StringParam("message")
	if message == "" {
		message = "pipeline notification"
	}
	level := step.StringParam("level")
	if level == "" {
		level = telemetry.EventLevelInfo
	}

	data := map[string]interface{}{
		"message":   message,
		"delivered": false,
	}
	payload := map[string]interface{}{}
	if channel := step.StringParam("channel"); channel != "" {
		payload["channel"] = channel
		data["channel"] = channel
	}
	for k, v := range step.StringMapParam("fields") {
		payload[k] = v
	}

	logger := rc.Logger().WithStepID(step.ID)
	if e.notifier != nil {
		err := e.notifier.Publish(ctx, telemetry.Event{
			Type:        string(engine.EventTypeNotification),
			Source:      "step:" + step.ID,
			ExecutionID: rc.ExecutionID(),
			StepID:      step.ID,
			Message:     message,
			Level:       level,
			Data:        payload,
		})
		if err != nil {
			logger.WithError(err).Warn("failed to publish notification")
			data["error"] = err.Error()
		} else {
			data["delivered"] = true
		}
	}
	logger.WithField("message", message).Info("notification")

	return &engine.StepResult{
		Success:  true,
		Output:   message + "\n",
		Data:     data,
		Duration: time.Since(start),
	}, nil
}
