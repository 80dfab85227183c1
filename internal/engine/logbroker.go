package engine

import (
	"sync"

	"github.com/seantiz/packtivity/internal/model"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans task log lines out to live subscribers.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that subscribers arriving after a
// task finished get a closed channel instead of blocking forever.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan model.LogLine
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel of the task's log lines and an unsubscribe
// function. The channel is already closed if the task has finished.
func (b *LogBroker) Subscribe(taskID string) (<-chan model.LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan model.LogLine)}
		b.topics[taskID] = t
	}

	ch := make(chan model.LogLine, subscriberBufferSize)
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
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Publish sends a line to every subscriber of its task, dropping it for
// subscribers whose buffers are full.
func (b *LogBroker) Publish(line model.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[line.TaskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the task's stream. Current subscribers see their channel
// closed and later ones get a closed channel.
func (b *LogBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &logTopic{subs: make(map[int]chan model.LogLine), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
