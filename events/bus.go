package events

import "sync"

// DefaultSubscriberBuffer is the channel depth used when a subscriber does not
// request its own.
const DefaultSubscriberBuffer = 64

// Bus is an in-process fan-out of committed events. Subscribers receive
// events on buffered channels; a subscriber that falls behind has events
// dropped rather than stalling emitters, so the bus is a convenience feed and
// never the system of record.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan *Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan *Event)}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function. Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan *Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan *Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if ch, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Emit implements Emitter. Nil payloads are ignored.
func (b *Bus) Emit(p Payload) {
	if b == nil || p == nil {
		return
	}
	evt := p.Event()
	if evt == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber is lagging; drop rather than block the commit path.
		}
	}
}

// Close tears down every subscriber channel. Further subscriptions receive a
// closed channel and further emissions are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
