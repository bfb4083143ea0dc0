// Package stream fans job lifecycle events out to live subscribers. The
// registry is process-scoped and injected; there is no replay buffer, clients
// that miss events re-fetch job state through the synchronous read endpoint.
package stream

import (
	"sync"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Event is one job-status notification pushed to subscribers.
type Event struct {
	Type         string           `json:"type"`
	JobID        string           `json:"job_id"`
	Status       domain.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	Variants     []domain.Variant `json:"variants,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
}

const EventTypeJobUpdate = "job_update"

// subscriberBuffer bounds how far a slow consumer may lag before events are
// dropped for it.
const subscriberBuffer = 16

// Subscriber is one live listener on a job's event stream.
type Subscriber struct {
	ch chan Event
}

// Events returns the channel delivering this subscriber's events. The channel
// is closed when the subscriber is removed from the registry.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broadcaster is the per-job subscriber registry.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	logger zerolog.Logger
}

func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Register adds a live subscriber for the job and returns its handle. The
// caller must Close the handle when the connection ends.
func (b *Broadcaster) Register(jobID string) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Emit delivers the event to every current subscriber of the job. Delivery is
// best effort: a subscriber whose buffer is full misses the event rather than
// blocking the caller.
func (b *Broadcaster) Emit(jobID string, ev Event) {
	if ev.Type == "" {
		ev.Type = EventTypeJobUpdate
	}
	ev.JobID = jobID

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[jobID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn().Str("job_id", jobID).Msg("stream: dropping event for slow subscriber")
		}
	}
}

// Close removes the subscriber from the job's registry and closes its channel.
// Closing an already-removed subscriber is a no-op.
func (b *Broadcaster) Close(jobID string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
	close(sub.ch)
}

// SubscriberCount reports the current number of live subscribers for a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
