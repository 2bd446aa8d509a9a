// ABOUTME: Tests for the thread update broadcaster
// ABOUTME: Covers per-peer and all-thread subscriptions, cancellation, slow consumers, concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeUpdate(peer, content string) Update {
	return Update{
		Kind:    UpdateAppended,
		Peer:    peer,
		Message: Message{LocalID: content, Content: content},
	}
}

func TestBroadcaster_SingleSubscriberReceivesUpdate(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "bob@example.com")
	b.Publish(makeUpdate("bob@example.com", "hi"))

	select {
	case received := <-ch:
		assert.Equal(t, "hi", received.Message.Content)
		assert.Equal(t, UpdateAppended, received.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestBroadcaster_PeersAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	bob, _ := b.Subscribe(t.Context(), "bob@example.com")
	carol, _ := b.Subscribe(t.Context(), "carol@example.com")

	b.Publish(makeUpdate("bob@example.com", "for bob"))

	select {
	case received := <-bob:
		assert.Equal(t, "for bob", received.Message.Content)
	case <-time.After(time.Second):
		t.Fatal("bob's subscriber timed out")
	}

	select {
	case <-carol:
		t.Fatal("carol's subscriber must not see bob's updates")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_AllThreadsSeesEveryPeer(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	all, _ := b.Subscribe(t.Context(), AllThreads)

	b.Publish(makeUpdate("bob@example.com", "one"))
	b.Publish(makeUpdate("carol@example.com", "two"))

	var peers []string
	for range 2 {
		select {
		case u := <-all:
			peers = append(peers, u.Peer)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, peers)
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, _ = b.Subscribe(t.Context(), "bob@example.com")
	fast, _ := b.Subscribe(t.Context(), "bob@example.com")

	for range 100 {
		b.Publish(makeUpdate("bob@example.com", "spam"))
	}

	received := 0
	for {
		select {
		case <-fast:
			received++
		case <-time.After(200 * time.Millisecond):
			assert.Greater(t, received, 0)
			return
		}
	}
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, "bob@example.com")

	b.mu.RLock()
	_, exists := b.subscribers["bob@example.com"][subID]
	b.mu.RUnlock()
	assert.True(t, exists)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}

	b.mu.RLock()
	_, peerExists := b.subscribers["bob@example.com"]
	b.mu.RUnlock()
	assert.False(t, peerExists)
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "bob@example.com")
	b.Unsubscribe("bob@example.com", subID)

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(makeUpdate("bob@example.com", "late"))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "bob@example.com")
	ch2, _ := b.Subscribe(t.Context(), AllThreads)

	b.Close()

	for i, ch := range []<-chan Update{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "bob@example.com")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish(makeUpdate("bob@example.com", "concurrent"))
			}
		})
	}

	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id1 := b.Subscribe(t.Context(), "bob@example.com")
	_, id2 := b.Subscribe(t.Context(), "bob@example.com")

	require.NotEqual(t, id1, id2)
}

func TestUpdateKind_String(t *testing.T) {
	assert.Equal(t, "appended", UpdateAppended.String())
	assert.Equal(t, "incoming", UpdateIncoming.String())
	assert.Equal(t, "unknown", UpdateKind(99).String())
}
