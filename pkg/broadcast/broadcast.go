// Package broadcast fans a running job's output out to live subscribers.
//
// Contract:
//   - Publish never blocks: slow subscribers drop chunks rather than
//     stalling the process runner.
//   - A topic exists only while its run is executing. Subscribers that
//     arrive late are told so and fall back to the run ledger.
//   - Unsubscribing cancels one feed; other subscribers and the producer
//     are unaffected.
package broadcast

import (
	"sync"
	"time"

	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
)

// EventType identifies what a stream event carries.
type EventType string

const (
	// EventStdout and EventStderr carry a chunk of process output.
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	// EventDone terminates a stream; Data holds the final run status.
	EventDone EventType = "done"
)

// Event is one element of a run's live output sequence.
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data"`
	Time time.Time `json:"time"`
}

// subscriberBuffer bounds how far a subscriber may fall behind.
const subscriberBuffer = 256

// Broadcaster multiplexes per-run output topics.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[int64]*topic
	logger *logger.Logger
}

type topic struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	seq  uint64
}

// New creates a broadcaster with no open topics.
func New() *Broadcaster {
	return &Broadcaster{
		topics: make(map[int64]*topic),
		logger: logger.New("log-broadcaster"),
	}
}

// Open creates the live topic for a run. The process runner calls this
// exactly once, before the first output chunk.
func (b *Broadcaster) Open(runID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[runID]; !ok {
		b.topics[runID] = &topic{subs: make(map[uint64]chan Event)}
	}
}

// Publish delivers an output chunk to every subscriber of the run.
// Unknown topics drop silently: the chunk is already headed to the
// ledger, which is the durable copy.
func (b *Broadcaster) Publish(runID int64, stream models.OutputStream, chunk []byte) {
	eventType := EventStdout
	if stream == models.StreamStderr {
		eventType = EventStderr
	}
	b.publish(runID, Event{Type: eventType, Data: string(chunk), Time: time.Now()})
}

// Close publishes the terminal event carrying the final status, then
// closes every subscriber channel and retires the topic. After Close the
// ledger is the only source for this run's output.
func (b *Broadcaster) Close(runID int64, finalStatus models.RunStatus) {
	b.publish(runID, Event{Type: EventDone, Data: string(finalStatus), Time: time.Now()})

	b.mu.Lock()
	t, ok := b.topics[runID]
	delete(b.topics, runID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Subscribe attaches to a run's live topic. The third result is false
// when the run has no live topic (not started here, or already finished);
// callers then read the persisted output from the ledger instead.
func (b *Broadcaster) Subscribe(runID int64) (<-chan Event, func(), bool) {
	b.mu.Lock()
	t, ok := b.topics[runID]
	b.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Event, subscriberBuffer)

	t.mu.Lock()
	t.seq++
	id := t.seq
	t.subs[id] = ch
	t.mu.Unlock()

	// Unsubscribing only detaches the channel; Close is the sole closer.
	// Publishers can therefore never send on a closed channel.
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}

	return ch, unsubscribe, true
}

func (b *Broadcaster) publish(runID int64, ev Event) {
	b.mu.Lock()
	t, ok := b.topics[runID]
	b.mu.Unlock()
	if !ok {
		return
	}

	// Deliver under the topic lock. Sends are non-blocking so the lock is
	// held only momentarily, and holding it means a channel can never be
	// closed mid-send.
	t.mu.Lock()
	dropped := 0
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	t.mu.Unlock()
	if dropped > 0 {
		b.logger.Debug().
			Str("action", "events_dropped").
			Int64("run_id", runID).
			Int("dropped", dropped).
			Msg("Slow subscribers dropped output events")
	}
}
