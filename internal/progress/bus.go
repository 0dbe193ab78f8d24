package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/oklog/ulid/v2"
)

// subscriberBuffer is the per-subscriber event channel capacity. Publishes
// against a full channel drop the event rather than block.
const subscriberBuffer = 100

// Subscriber is a registered consumer of bus events. A zero JobID receives
// every event; a set JobID receives only that job's updates.
type Subscriber struct {
	ID     string
	JobID  models.ULID
	Events chan *Event
}

func (s *Subscriber) wants(ev *Event) bool {
	if s.JobID.IsZero() {
		return true
	}
	return ev.JobID == s.JobID
}

// Bus fans job, subject, and supervisor events out to subscribers. Publishing
// never blocks: deliveries are handed to the registered foreground executor,
// and slow subscribers lose events instead of stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	foreground  *Foreground
	logger      *slog.Logger

	warnInline sync.Once
}

// NewBus creates an event bus with no subscribers and no foreground handle.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With("component", "progress_bus"),
	}
}

// SetForeground registers the executor that serializes deliveries. Called
// once at startup, before publishers run.
func (b *Bus) SetForeground(f *Foreground) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.foreground = f
}

// Subscribe registers a consumer for every event on the bus.
func (b *Bus) Subscribe() *Subscriber {
	return b.subscribe(models.ULID{})
}

// SubscribeJob registers a consumer for a single job's updates.
func (b *Bus) SubscribeJob(jobID models.ULID) *Subscriber {
	return b.subscribe(jobID)
}

func (b *Bus) subscribe(jobID models.ULID) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		JobID:  jobID,
		Events: make(chan *Event, subscriberBuffer),
	}
	b.subscribers[sub.ID] = sub

	b.logger.Debug("subscriber added", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its event channel.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
		b.logger.Debug("subscriber removed", "subscriber_id", subscriberID)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// PublishJobUpdate broadcasts a snapshot of the job's current state.
func (b *Bus) PublishJobUpdate(job *models.Job) {
	b.publish(&Event{
		Type:      EventTypeJobUpdate,
		JobID:     job.ID,
		Data:      NewJobUpdate(job),
		Timestamp: time.Now(),
	})
}

// PublishSubjectUpdate broadcasts a project lifecycle change.
func (b *Bus) PublishSubjectUpdate(project *models.Project) {
	b.publish(&Event{
		Type:      EventTypeSubjectUpdate,
		Data:      NewSubjectUpdate(project),
		Timestamp: time.Now(),
	})
}

// PublishSupervisorStatus broadcasts the supervisor's periodic status report.
func (b *Bus) PublishSupervisorStatus(status any) {
	b.publish(&Event{
		Type:      EventTypeSupervisorStatus,
		Data:      status,
		Timestamp: time.Now(),
	})
}

// PublishSupervisorLog broadcasts a supervisor action log line.
func (b *Bus) PublishSupervisorLog(level, message string) {
	b.publish(&Event{
		Type:      EventTypeSupervisorLog,
		Data:      &SupervisorLog{Level: level, Message: message},
		Timestamp: time.Now(),
	})
}

// publish hands the event to the foreground executor, which keeps deliveries
// in submission order. Without a registered executor delivery happens inline
// on the publisher's goroutine.
func (b *Bus) publish(ev *Event) {
	b.mu.RLock()
	fg := b.foreground
	b.mu.RUnlock()

	if fg == nil {
		b.warnInline.Do(func() {
			b.logger.Warn("no foreground executor registered, delivering events inline")
		})
		b.deliver(ev)
		return
	}
	fg.Submit(func() { b.deliver(ev) })
}

// deliver sends the event to every matching subscriber without blocking.
func (b *Bus) deliver(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
			b.logger.Warn("subscriber event channel full, dropping event",
				"subscriber_id", sub.ID,
				"event_type", ev.Type,
			)
		}
	}
}
