// Package bus provides the bounded message bus decoupling channel
// adapters from the turn orchestrator. Each channel gets an inbound and
// an outbound queue with fixed capacity; enqueue fails fast when a
// queue is full, and dequeue suspends until an item arrives, the
// caller's context is canceled, or the bus shuts down.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/zivhm/yacb/internal/logging"
	"github.com/zivhm/yacb/internal/types"
)

var (
	// ErrQueueFull signals backpressure to the producer. The producer
	// decides whether to drop, delay, or surface the rejection.
	ErrQueueFull = errors.New("bus: queue full")

	// ErrClosed is returned by all operations after Shutdown.
	ErrClosed = errors.New("bus: closed")
)

type channelQueues struct {
	inbound  chan types.InboundMessage
	outbound chan types.OutboundMessage
}

// Bus maintains per-channel bounded queues.
type Bus struct {
	inboundCap  int
	outboundCap int

	mu       sync.RWMutex
	channels map[string]*channelQueues
	closed   bool
	done     chan struct{}
}

// New creates a bus with the given per-direction queue capacities.
func New(inboundCap, outboundCap int) *Bus {
	if inboundCap <= 0 {
		inboundCap = 200
	}
	if outboundCap <= 0 {
		outboundCap = 200
	}
	return &Bus{
		inboundCap:  inboundCap,
		outboundCap: outboundCap,
		channels:    make(map[string]*channelQueues),
		done:        make(chan struct{}),
	}
}

// queuesFor returns the queues for a channel, creating them on first use.
func (b *Bus) queuesFor(channel string) (*channelQueues, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	if q, ok := b.channels[channel]; ok {
		b.mu.RUnlock()
		return q, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if q, ok := b.channels[channel]; ok {
		return q, nil
	}
	q := &channelQueues{
		inbound:  make(chan types.InboundMessage, b.inboundCap),
		outbound: make(chan types.OutboundMessage, b.outboundCap),
	}
	b.channels[channel] = q
	logging.Bus("registered channel %q (inbound=%d outbound=%d)", channel, b.inboundCap, b.outboundCap)
	return q, nil
}

// EnqueueInbound offers a message from a channel adapter. Rejects with
// ErrQueueFull instead of blocking when the queue is at capacity.
func (b *Bus) EnqueueInbound(msg types.InboundMessage) error {
	q, err := b.queuesFor(msg.Channel)
	if err != nil {
		return err
	}
	select {
	case q.inbound <- msg:
		logging.BusDebug("inbound <- [%s:%s] from %s (%d chars)", msg.Channel, msg.ChatID, msg.SenderID, len(msg.Content))
		return nil
	case <-b.done:
		return ErrClosed
	default:
		logging.Get(logging.CategoryBus).Warn("inbound queue full for channel %q, rejecting", msg.Channel)
		return ErrQueueFull
	}
}

// EnqueueOutbound offers a reply toward a channel adapter. Same
// fail-fast contract as EnqueueInbound.
func (b *Bus) EnqueueOutbound(msg types.OutboundMessage) error {
	q, err := b.queuesFor(msg.Channel)
	if err != nil {
		return err
	}
	select {
	case q.outbound <- msg:
		logging.BusDebug("outbound <- [%s:%s] (%d chars)", msg.Channel, msg.ChatID, len(msg.Content))
		return nil
	case <-b.done:
		return ErrClosed
	default:
		logging.Get(logging.CategoryBus).Warn("outbound queue full for channel %q, rejecting", msg.Channel)
		return ErrQueueFull
	}
}

// DequeueInbound blocks until a message is available on the channel's
// inbound queue. Returns ctx.Err() on cancellation and ErrClosed once
// the bus has shut down.
func (b *Bus) DequeueInbound(ctx context.Context, channel string) (types.InboundMessage, error) {
	q, err := b.queuesFor(channel)
	if err != nil {
		return types.InboundMessage{}, err
	}
	select {
	case msg := <-q.inbound:
		logging.BusDebug("inbound -> [%s:%s] (queued: %d)", msg.Channel, msg.ChatID, len(q.inbound))
		return msg, nil
	case <-ctx.Done():
		return types.InboundMessage{}, ctx.Err()
	case <-b.done:
		return types.InboundMessage{}, ErrClosed
	}
}

// DequeueOutbound blocks until a reply is available on the channel's
// outbound queue, with the same cancellation contract as DequeueInbound.
func (b *Bus) DequeueOutbound(ctx context.Context, channel string) (types.OutboundMessage, error) {
	q, err := b.queuesFor(channel)
	if err != nil {
		return types.OutboundMessage{}, err
	}
	select {
	case msg := <-q.outbound:
		logging.BusDebug("outbound -> [%s:%s] (queued: %d)", msg.Channel, msg.ChatID, len(q.outbound))
		return msg, nil
	case <-ctx.Done():
		return types.OutboundMessage{}, ctx.Err()
	case <-b.done:
		return types.OutboundMessage{}, ErrClosed
	}
}

// InboundLen reports the current inbound depth for a channel. Zero for
// unknown channels.
func (b *Bus) InboundLen(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.channels[channel]; ok {
		return len(q.inbound)
	}
	return 0
}

// Shutdown wakes every blocked dequeue with ErrClosed and rejects all
// further operations. Idempotent.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	logging.Bus("bus shut down (%d channels)", len(b.channels))
}
