package devstate

import (
	"sync"
	"sync/atomic"

	"github.com/wslusb/wslusb/internal/usbipd"
)

// Broker fans every published device list out to the subscribed views.
// Views only care about the newest list, so a subscriber that has fallen
// behind gets its queued list replaced instead of blocking the publisher.
type Broker struct {
	mu       sync.RWMutex
	subs     map[chan usbipd.DeviceList]struct{}
	closed   bool
	replaced atomic.Int64

	onReplace func()
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan usbipd.DeviceList]struct{})}
}

// Subscribe registers a view. buf <= 0 means 1.
func (b *Broker) Subscribe(buf int) <-chan usbipd.DeviceList {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan usbipd.DeviceList, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a view and closes its channel.
func (b *Broker) Unsubscribe(sub <-chan usbipd.DeviceList) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		if ch == sub {
			delete(b.subs, ch)
			close(ch)
			return
		}
	}
}

func (b *Broker) Publish(list usbipd.DeviceList) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- list:
			continue
		default:
		}
		// Full: drop the stale list and queue the fresh one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- list:
		default:
		}
		b.replaced.Add(1)
		if b.onReplace != nil {
			b.onReplace()
		}
	}
}

// Subscribers returns the number of registered views.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ReplacedCount returns how many queued lists were replaced by newer ones.
func (b *Broker) ReplacedCount() int64 {
	return b.replaced.Load()
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
