package httpapi

import (
	"sync"

	"github.com/mvallone/dubsync/internal/pipeline"
)

// Broadcaster fans pipeline progress events out to websocket subscribers.
// It satisfies pipeline.EventSink; Publish never blocks, a subscriber that
// cannot keep up loses events.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan pipeline.Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan pipeline.Event]struct{})}
}

func (b *Broadcaster) Publish(e pipeline.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Broadcaster) Subscribe() chan pipeline.Event {
	ch := make(chan pipeline.Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan pipeline.Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}
