// Package statusbus implements the orchestrator's single status-event bus:
// components publish typed model.StatusEvent values, and per-task
// subscribers receive them in publish order without ever blocking a
// producer.
package statusbus

import (
	"sync"

	"github.com/ghostrun/ghostbrowser/internal/model"

	"go.uber.org/zap"
)

// listenerCapacity bounds each per-task subscriber channel. A slow or absent
// consumer drops the oldest buffered event rather than stalling Publish.
const listenerCapacity = 64

type listener struct {
	ch      chan model.StatusEvent
	dropped int
}

// Bus fans out StatusEvents to per-task listeners, preserving per-task
// publish order. One Bus is owned by the orchestrator and shared by every
// component that emits status events.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]*listener
	log       *zap.Logger
}

// New builds a Bus.
func New(log *zap.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]*listener),
		log:       log.Named("statusbus"),
	}
}

// Unsubscribe detaches a previously-registered listener.
type Unsubscribe func()

// Subscribe registers a listener for every event published against taskID.
// The returned channel is never closed by Publish; call the returned
// Unsubscribe to stop receiving and release the channel.
func (b *Bus) Subscribe(taskID string) (<-chan model.StatusEvent, Unsubscribe) {
	l := &listener{ch: make(chan model.StatusEvent, listenerCapacity)}

	b.mu.Lock()
	b.listeners[taskID] = append(b.listeners[taskID], l)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[taskID]
		for i, s := range subs {
			if s == l {
				b.listeners[taskID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.listeners[taskID]) == 0 {
			delete(b.listeners, taskID)
		}
	}
	return l.ch, unsub
}

// Publish validates and routes event to every listener registered for its
// TaskID. Publish never blocks: a full listener channel drops its oldest
// buffered event to make room, and the drop is counted and logged at Warn.
func (b *Bus) Publish(event model.StatusEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	subs := append([]*listener(nil), b.listeners[event.TaskID]...)
	b.mu.Unlock()

	for _, l := range subs {
		b.deliver(event, l)
	}
	return nil
}

func (b *Bus) deliver(event model.StatusEvent, l *listener) {
	select {
	case l.ch <- event:
		return
	default:
	}

	// Channel full: drop the oldest buffered event and retry once, so
	// listeners always see the most recent state rather than stalling
	// the producer indefinitely.
	select {
	case <-l.ch:
		l.dropped++
		b.log.Warn("status listener buffer full, dropped oldest event",
			zap.String("taskId", event.TaskID),
			zap.Int("droppedTotal", l.dropped))
	default:
	}

	select {
	case l.ch <- event:
	default:
		l.dropped++
		b.log.Warn("status listener still full after drop, discarding event",
			zap.String("taskId", event.TaskID),
			zap.Int("droppedTotal", l.dropped))
	}
}

// Close unsubscribes every listener without closing their channels, for use
// at orchestrator shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]*listener)
}
