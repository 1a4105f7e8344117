// Package events provides an in-process bus for job lifecycle events
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/types"
)

// EventType represents the type of job lifecycle event
type EventType string

const (
	// EventJobEnqueued is emitted after a job is stored
	EventJobEnqueued EventType = "job_enqueued"
	// EventJobCompleted is emitted when a job is acked
	EventJobCompleted EventType = "job_completed"
	// EventJobRetryScheduled is emitted when a failed attempt is rescheduled
	EventJobRetryScheduled EventType = "job_retry_scheduled"
	// EventJobFailed is emitted on a permanent failure
	EventJobFailed EventType = "job_failed"
	// EventJobDeadLettered is emitted when retries are exhausted
	EventJobDeadLettered EventType = "job_dead_lettered"
	// EventJobCancelled is emitted when a job ends cancelled
	EventJobCancelled EventType = "job_cancelled"
	// EventLeaseReclaimed is emitted when the sweep takes back an expired lease
	EventLeaseReclaimed EventType = "lease_reclaimed"
	// EventManualCleanupRequired is emitted when compensation left resources behind
	EventManualCleanupRequired EventType = "manual_cleanup_required"
	// EventChannelSize is the buffer size for the event channel
	EventChannelSize = 100
)

// Event represents a job lifecycle event
type Event struct {
	Type     EventType       // The type of event
	JobID    uuid.UUID       // The job ID
	JobType  types.JobType   // The job type
	Queue    string          // The queue the job lives in
	Status   types.JobStatus // The status after the transition
	Attempts int             // Attempts consumed so far
	Error    string          // Last error, if any
}

// Handler is a function that handles an event
type Handler func(context.Context, Event) error

// Bus fans events out to subscribed handlers on a background goroutine.
// Publish never blocks the caller; events are dropped when the buffer is full.
type Bus struct {
	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler
	eventChan  chan Event
	wg         sync.WaitGroup
}

// NewBus creates a bus with the default buffer size
func NewBus() *Bus {
	return &Bus{
		handlers:  make(map[EventType][]Handler),
		eventChan: make(chan Event, EventChannelSize),
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	logger.Debugf("📝 Registered handler for event type: %s", eventType)
}

// Publish queues an event for processing
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	select {
	case b.eventChan <- event:
		logger.Debugf("📢 Published event: %s (Job: %s)", event.Type, event.JobID)
	default:
		logger.Warnf("Event buffer full, dropping %s for job %s", event.Type, event.JobID)
	}
}

// Start starts the event processing loop; it stops when ctx is done.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.processEvents(ctx)
	logger.Info("🎯 Started event processing loop")
}

// Wait blocks until the processing loop and its handlers have stopped
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) processEvents(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Stopping event processing loop")
			return
		case event := <-b.eventChan:
			b.handlersMu.RLock()
			eventHandlers := b.handlers[event.Type]
			b.handlersMu.RUnlock()

			for _, handler := range eventHandlers {
				b.wg.Add(1)
				go func(h Handler, e Event) {
					defer b.wg.Done()
					if err := h(ctx, e); err != nil {
						logger.Errorf("❌ Failed to handle event %s: %v", e.Type, err)
					}
				}(handler, event)
			}
		}
	}
}
