package sessiond

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBusDepth is the per-subscriber buffer. A subscriber that falls
// further behind loses frames; the producer never waits.
const DefaultBusDepth = 1024

var ErrBusClosed = errors.New("broadcast bus closed")

// Bus fans PTY output out to any number of subscribers. Single producer,
// many consumers; publishing is non-blocking.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool
}

type Subscriber struct {
	bus     *Bus
	id      uint64
	ch      chan []byte
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscriber)}
}

// Publish delivers data to every subscriber that has room. Slow subscribers
// drop this frame instead of blocking the producer.
func (b *Bus) Publish(data []byte) {
	frame := make([]byte, len(data))
	copy(frame, data)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- frame:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a consumer with the given buffer depth (0 uses the
// default).
func (b *Bus) Subscribe(depth int) (*Subscriber, error) {
	if depth <= 0 {
		depth = DefaultBusDepth
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	sub := &Subscriber{bus: b, id: b.nextID, ch: make(chan []byte, depth)}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close tears the bus down; all subscriber channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Recv waits for the next frame. It returns (nil, nil) on timeout, and
// ErrBusClosed once the bus is gone. timeout <= 0 waits until ctx is done.
func (s *Subscriber) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case frame, ok := <-s.ch:
		if !ok {
			return nil, ErrBusClosed
		}
		return frame, nil
	case <-timeoutCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv returns a buffered frame without waiting.
func (s *Subscriber) TryRecv() ([]byte, bool, error) {
	select {
	case frame, ok := <-s.ch:
		if !ok {
			return nil, false, ErrBusClosed
		}
		return frame, true, nil
	default:
		return nil, false, nil
	}
}

// Dropped reports how many frames this subscriber has lost to lag.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches this consumer from the bus.
func (s *Subscriber) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.ch)
	}
}
