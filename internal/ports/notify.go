package ports

import "context"

type MessageType string

const (
	MessageProgress     MessageType = "workflow_progress"
	MessageHumanConfirm MessageType = "workflow_need_human_confirm"
	MessageRunFailed    MessageType = "workflow_run_failed"
	MessageRunSucceeded MessageType = "workflow_run_succeeded"
	MessageDebug        MessageType = "workflow_debug"
)

// NotificationSink delivers fire-and-forget progress and confirmation
// events. Delivery and ordering are the sink's problem, not the engine's.
type NotificationSink interface {
	Publish(ctx context.Context, userID string, messageType MessageType, payload map[string]interface{}) error
	Close() error
}
