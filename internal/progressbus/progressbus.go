// Package progressbus is the Progress Bus external collaborator (§4.5):
// pub/sub keyed by conversation id, fanning out stage progress, completion,
// and error events to whichever clients are currently subscribed. Grounded
// on the teacher's document_manager.go / rag/*.go progress-channel idiom
// (a buffered `chan string` carrying "@@PROGRESS:n/m@@" markers for the
// bubbletea UI to parse), generalized into a typed, multi-subscriber
// broker — the teacher's channel was single-consumer and didn't need a
// subscribe/unsubscribe surface because only one UI ever read it.
package progressbus

import (
	"sync"
	"time"

	"github.com/threeequarter/filings-rag/internal/domain"
)

// EventKind names one of the three channels §6 specifies.
type EventKind string

const (
	EventProcessingUpdate   EventKind = "ProcessingUpdate"
	EventProcessingComplete EventKind = "ProcessingComplete"
	EventProcessingError    EventKind = "ProcessingError"
)

// ProgressUpdate is emitted before and after each pipeline stage.
type ProgressUpdate struct {
	Stage              domain.IngestionStatus
	Message            string
	ProgressPercent    int
	DocumentsProcessed *int
	TotalDocuments     *int
	Timestamp          time.Time
}

// Completion is emitted once, when all five stages finish successfully.
type Completion struct {
	TotalDocuments      int
	SuccessfulDocuments int
	FailedDocuments     int
	Duration            *time.Duration
	CompletedAt         time.Time
}

// ErrorEvent is emitted when a stage fails terminally.
type ErrorEvent struct {
	ErrorMessage       string
	Stage              domain.IngestionStatus
	DocumentsProcessed *int
	Timestamp          time.Time
}

// Event is the envelope delivered to subscribers; exactly one of Progress,
// Completion, Error is non-nil, matching Kind.
type Event struct {
	Kind           EventKind
	ConversationID string
	Progress       *ProgressUpdate
	Completion     *Completion
	Error          *ErrorEvent
}

// subscriberBuffer is the capacity of each subscriber's channel. A
// subscriber whose buffer is full misses the event rather than blocking
// the publishing pipeline stage, so delivery is best-effort, not
// at-least-once, and there is no durable replay.
const subscriberBuffer = 32

// Bus is an in-process, conversation-keyed pub/sub broker.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]chan Event
	nextID      int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]map[int]chan Event)}
}

// Subscribe joins conversationId's group. Call the returned function to
// leave the group and release the channel.
func (b *Bus) Subscribe(conversationID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := b.nextID
	b.nextID++

	if b.subscribers[conversationID] == nil {
		b.subscribers[conversationID] = make(map[int]chan Event)
	}
	b.subscribers[conversationID][id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if group, ok := b.subscribers[conversationID]; ok {
			if c, ok := group[id]; ok {
				delete(group, id)
				close(c)
			}
			if len(group) == 0 {
				delete(b.subscribers, conversationID)
			}
		}
	}
	return ch, unsubscribe
}

func (b *Bus) publish(conversationID string, event Event) {
	event.ConversationID = conversationID

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[conversationID] {
		select {
		case ch <- event:
		default:
			// Subscriber's buffer is full; drop rather than block the
			// pipeline stage that's publishing.
		}
	}
}

// PublishProgress emits a stage-progress update. See §4.5's suggested
// milestone percentages per stage.
func (b *Bus) PublishProgress(conversationID string, update ProgressUpdate) {
	b.publish(conversationID, Event{Kind: EventProcessingUpdate, Progress: &update})
}

// PublishCompletion emits the terminal success event.
func (b *Bus) PublishCompletion(conversationID string, completion Completion) {
	b.publish(conversationID, Event{Kind: EventProcessingComplete, Completion: &completion})
}

// PublishError emits the terminal failure event.
func (b *Bus) PublishError(conversationID string, errEvent ErrorEvent) {
	b.publish(conversationID, Event{Kind: EventProcessingError, Error: &errEvent})
}

// SubscriberCount reports how many clients are currently joined to
// conversationId's group, for diagnostics.
func (b *Bus) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}
