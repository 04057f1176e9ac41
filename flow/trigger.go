package flow

import "time"

// TriggerType identifies the kind of external event that can start a run.
type TriggerType string

const (
	// TriggerCommentReceived fires when a comment lands on a monitored post.
	TriggerCommentReceived TriggerType = "comment_received"

	// TriggerDMReceived fires when a direct message arrives.
	TriggerDMReceived TriggerType = "dm_received"

	// TriggerScheduled fires on a schedule tick.
	TriggerScheduled TriggerType = "scheduled"
)

// String returns the string representation of the TriggerType.
func (t TriggerType) String() string {
	return string(t)
}

// TriggerEvent is a decoded inbound event produced by the webhook ingress
// or the schedule ticker. EventID is the idempotency key: delivering the
// same event twice must never execute a graph twice.
type TriggerEvent struct {
	Type       TriggerType    `json:"type"`
	EventID    string         `json:"event_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// PayloadString returns a string field from the trigger payload, or empty
// if the field is missing or not a string.
func (e TriggerEvent) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}
