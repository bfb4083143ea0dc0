package domain

import "time"

// OutboxStatus enumerates dispatch event states.
type OutboxStatus string

const (
	OutboxStatusPending     OutboxStatus = "pending"
	OutboxStatusDispatching OutboxStatus = "dispatching"
	OutboxStatusProcessed   OutboxStatus = "processed"
	OutboxStatusFailed      OutboxStatus = "failed"
)

// OutboxEventTypeDispatch is the only event type currently emitted: the
// provider dispatch envelope written alongside a new job.
const OutboxEventTypeDispatch = "enhancement.dispatch"

// OutboxEvent pairs a job insert with a durable delivery obligation. It is
// created in the same transaction as its parent job.
type OutboxEvent struct {
	ID          string
	JobID       string
	EventType   string
	Payload     []byte
	Status      OutboxStatus
	Attempts    int
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// DispatchEnvelope is the payload delivered to the external rendering
// provider. It carries everything the provider needs, including where and how
// to call back.
type DispatchEnvelope struct {
	JobID             string         `json:"job_id"`
	TenantID          string         `json:"tenant_id"`
	Provider          string         `json:"provider"`
	Model             string         `json:"model"`
	InputURL          string         `json:"input_url"`
	CompositeInputURL string         `json:"composite_input_url,omitempty"`
	Masks             []Mask         `json:"masks,omitempty"`
	Calibration       Calibration    `json:"calibration,omitempty"`
	Options           map[string]any `json:"options,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key"`
	CallbackURL       string         `json:"callback_url"`
	CallbackSecret    string         `json:"callback_secret"`
}
