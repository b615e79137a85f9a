package eventbus

import "time"

// Streams emitted by the broker core. Subscribers pick any subset.
const (
	StreamPrewarmStatus = "prewarm_status"
	StreamRunProgress   = "run_progress"
	StreamBatchProgress = "batch_progress"
)

type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventInput struct {
	Stream  string
	Subject string
	Body    string
	Payload map[string]any
}

type ListOptions struct {
	Limit int
	Order string // "fifo" or "lifo"; lifo when unset
}
