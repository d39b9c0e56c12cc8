package orchestrator

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published while a run progresses.
const (
	EventLotStarted  = "lot_started"
	EventLotFinished = "lot_finished"
	EventRunFinished = "run_finished"
)

// Event is one progress notification for a run.
type Event struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id"`
	LotID      int    `json:"lot_id"`
	Lots       int    `json:"lots"`
	Status     string `json:"status,omitempty"`
	Cause      string `json:"cause,omitempty"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Recoveries int    `json:"recoveries"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// EventBroker fans run progress events out to subscribers. It is safe for
// concurrent use.
//
// Finished runs keep a closed marker so late subscribers get a closed
// channel instead of waiting forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel of events for runID and an unsubscribe func.
// If the run already finished, the channel is closed.
func (b *EventBroker) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish sends ev to every subscriber of ev.RunID without blocking.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RunID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream for runID.
func (b *EventBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
