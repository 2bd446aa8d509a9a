// ABOUTME: In-memory fan-out of session updates to observers
// ABOUTME: Observers subscribe to one peer's thread or to every thread at once

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/stazy/stazy-chat/internal/transport"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllThreads subscribes to updates from every thread.
	AllThreads = "*"
)

// UpdateKind says what changed in a thread.
type UpdateKind int

const (
	// UpdateLoaded means the log was replaced by a history load or refresh.
	UpdateLoaded UpdateKind = iota
	// UpdateAppended means Message was added at the tail.
	UpdateAppended
	// UpdateChanged means Message changed status.
	UpdateChanged
	// UpdateRemoved means Message was deleted from the log.
	UpdateRemoved
	// UpdateConnection means the connection overlay changed to Connection.
	UpdateConnection
	// UpdateIncoming means a message arrived for a thread that is not open.
	UpdateIncoming
	// UpdateClosed means the thread was closed.
	UpdateClosed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateLoaded:
		return "loaded"
	case UpdateAppended:
		return "appended"
	case UpdateChanged:
		return "changed"
	case UpdateRemoved:
		return "removed"
	case UpdateConnection:
		return "connection"
	case UpdateIncoming:
		return "incoming"
	case UpdateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Update is one change notification for a thread.
type Update struct {
	Kind       UpdateKind
	Peer       string
	Message    Message
	Connection transport.State
	Err        error
}

// Broadcaster provides in-memory pub/sub for thread updates. Subscribers
// register for a peer, or for AllThreads, and receive updates as sessions
// change.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Update // peer -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for updates on peer. The subscription is
// removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, peer string) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[peer]; !ok {
		b.subscribers[peer] = make(map[string]chan Update)
	}
	b.subscribers[peer][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "peer", peer, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(peer, subID)
	}()

	return ch, subID
}

// Publish sends u to subscribers of u.Peer and of AllThreads.
// Non-blocking: updates are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{u.Peer, AllThreads} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- u:
			default:
				b.logger.Debug("dropped update for slow subscriber",
					"peer", u.Peer,
					"kind", u.Kind.String())
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(peer, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[peer]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, peer)
	}

	b.logger.Debug("subscriber removed", "peer", peer, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for peer, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, peer)
	}

	b.logger.Debug("broadcaster closed")
}
