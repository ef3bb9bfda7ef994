package job

import (
	"slices"

	"automation/internal/resolver"
	"automation/pkg/cloudevent"
)

// Event types for job lifecycle callbacks
const (
	EventTypeStart    = "automation.job.start"
	EventTypeProgress = "automation.job.progress"
	EventTypeExit     = "automation.job.exit"
)

// EventSource is the CloudEvents source of every lifecycle event.
const EventSource = "automation-service"

var eventTypes = []string{EventTypeStart, EventTypeProgress, EventTypeExit}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for one job.
type EventBuilder struct {
	jobID     string
	userID    string
	serviceID string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(jobID, userID, serviceID string) *EventBuilder {
	return &EventBuilder{jobID: jobID, userID: userID, serviceID: serviceID}
}

func (b *EventBuilder) build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	data["jobId"] = b.jobID
	data["userId"] = b.userID
	data["serviceId"] = b.serviceID
	return cloudevent.New(eventType, EventSource, b.jobID, data)
}

// BuildStartEvent creates a job start event.
func (b *EventBuilder) BuildStartEvent(files []File, creditsReserved int64) *cloudevent.CloudEvent {
	return b.build(EventTypeStart, map[string]any{
		"files":           files,
		"creditsReserved": creditsReserved,
	})
}

// BuildProgressEvent creates a progress event.
func (b *EventBuilder) BuildProgressEvent(progress int) *cloudevent.CloudEvent {
	return b.build(EventTypeProgress, map[string]any{
		"progress": progress,
	})
}

// BuildExitEvent creates the terminal event.
func (b *EventBuilder) BuildExitEvent(status Status, reason string, results []resolver.Artifact) *cloudevent.CloudEvent {
	data := map[string]any{
		"status":      status,
		"resultFiles": results,
	}
	if reason != "" {
		data["reason"] = reason
	}
	return b.build(EventTypeExit, data)
}
