package service

import (
	"sync"
	"time"
)

type EventType string

const (
	EventRunQueued     EventType = "RunQueued"
	EventRunStarted    EventType = "RunStarted"
	EventTaskStarted   EventType = "TaskStarted"
	EventTaskCompleted EventType = "TaskCompleted"
	EventTaskFailed    EventType = "TaskFailed"
	EventRunCompleted  EventType = "RunCompleted"
	EventRunFailed     EventType = "RunFailed"
	EventRunCancelled  EventType = "RunCancelled"
)

// Event is a single state-change notification. Seq increases monotonically
// per run with no reuse, so a viewer that sees a gap knows to resync from
// the store.
type Event struct {
	RunID    string    `json:"run_id"`
	Seq      uint64    `json:"seq"`
	Type     EventType `json:"type"`
	TaskID   string    `json:"task_id,omitempty"`
	NodeID   string    `json:"node_id,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// EventPublisher is the event sink boundary. Publishing must never block the
// orchestrator on a subscriber.
type EventPublisher interface {
	Publish(runID string, evt Event)
}

// Subscription is one observer's feed of a run's events.
type Subscription struct {
	C      <-chan Event
	broker *Broker
	runID  string
	id     int
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.broker != nil {
		s.broker.unsubscribe(s.runID, s.id)
		s.broker = nil
	}
}

// Broker fans events out to per-run subscribers. Delivery is best-effort: a
// subscriber whose buffer is full loses the event and detects the loss
// through the sequence gap.
type Broker struct {
	mu     sync.Mutex
	seqs   map[string]uint64
	subs   map[string]map[int]chan Event
	nextID int
}

func NewBroker() *Broker {
	return &Broker{
		seqs: make(map[string]uint64),
		subs: make(map[string]map[int]chan Event),
	}
}

func (b *Broker) Publish(runID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqs[runID]++
	evt.RunID = runID
	evt.Seq = b.seqs[runID]
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	// Delivery stays inside the critical section so concurrent publishers
	// cannot interleave sends and hand a subscriber a lower sequence after a
	// higher one. The sends never block, so the section stays short.
	for _, ch := range b.subs[runID] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber, drop. The seq gap triggers its resync.
		}
	}
}

// Subscribe registers an observer for one run's events. buffer bounds how far
// the observer may lag before events are dropped.
func (b *Broker) Subscribe(runID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan Event)
	}
	b.subs[runID][b.nextID] = ch
	return &Subscription{C: ch, broker: b, runID: runID, id: b.nextID}
}

func (b *Broker) unsubscribe(runID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[runID]; ok {
		if ch, ok := m[id]; ok {
			delete(m, id)
			close(ch)
		}
		if len(m) == 0 {
			delete(b.subs, runID)
		}
	}
}

// LastSeq returns the latest sequence number published for a run.
func (b *Broker) LastSeq(runID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[runID]
}
