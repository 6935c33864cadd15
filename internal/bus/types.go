// Package bus implements the per-user Event Bus (spec §4.5): fan-out of
// lifecycle events to 0..N concurrent dashboard subscribers, with
// backpressure and reconnection semantics.
//
// Adapted from the teacher's internal/bus/types.go — the Event/
// EventPublisher shape survives; InboundMessage/OutboundMessage/channel
// cache-invalidation (chat-transport concerns, out of scope per spec §1)
// do not.
package bus

// EventName enumerates the event types the core publishes (spec §6).
type EventName string

const (
	EventTaskCreated       EventName = "task_created"
	EventTaskUpdate        EventName = "task_update"
	EventScheduleExecuted  EventName = "schedule_executed"
	EventStorageUpdate     EventName = "storage_update"
	EventPong              EventName = "pong"
)

// Event is a single lifecycle event published for one user.
type Event struct {
	Name    EventName `json:"name"`
	Payload any       `json:"payload,omitempty"`
}

// TaskCreatedPayload is the task_created event body (spec §6).
type TaskCreatedPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"` // unix ms
}

// TaskUpdatePayload is the task_update event body (spec §6).
type TaskUpdatePayload struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"` // unix ms, 0 if not terminal
}

// ScheduleExecutedPayload is the schedule_executed event body (spec §6).
type ScheduleExecutedPayload struct {
	TaskID   string `json:"task_id"`
	RunCount int    `json:"run_count"`
	NextRun  int64  `json:"next_run"` // unix ms, 0 if none
}

// StorageUpdatePayload is the storage_update event body (spec §6).
type StorageUpdatePayload struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// EventHandler handles one delivered event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription for a single
// user's worth of subscribers.
type EventPublisher interface {
	Subscribe(userID, subscriberID string, handler EventHandler)
	Unsubscribe(userID, subscriberID string)
	Publish(userID string, event Event)
}
