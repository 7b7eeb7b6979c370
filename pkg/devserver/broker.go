package devserver

import "sync"

// subscriberBufferSize is the channel buffer for each browser connection.
// Messages are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Broker fans reload messages out to all connected browsers. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int]chan string),
	}
}

// Subscribe returns a channel that receives every published message and an unsubscribe
// function. After Close, the returned channel is already closed.
func (b *Broker) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish sends msg to all subscribers. Subscribers whose buffer is full miss the message.
func (b *Broker) Publish(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribers returns the number of connected browsers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects all subscribers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
