package engine

import (
	"sync"
	"time"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one human-readable status line for the caller. Name is the
// stable machine identifier of what happened.
type Event struct {
	Time    time.Time
	Level   Level
	Name    string
	Message string
}

// eventQueue decouples the engine from the consumer of Events. Push never
// blocks and never drops; a single forwarder drains in push order.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	wake   chan struct{}
	out    chan Event
	closed chan struct{}
}

func newEventQueue(buffer int) *eventQueue {
	q := &eventQueue{
		wake:   make(chan struct{}, 1),
		out:    make(chan Event, buffer),
		closed: make(chan struct{}),
	}
	go q.forward()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) forward() {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case q.out <- ev:
			case <-q.closed:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.closed:
			return
		}
	}
}

// stop ends the forwarder. The out channel stays open.
func (q *eventQueue) stop() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}
