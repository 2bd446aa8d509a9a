// ABOUTME: In-memory Link and Dialer fakes for transport tests
// ABOUTME: Lets tests deliver frames, drop links, and control dial outcomes

package transport

import (
	"context"
	"errors"
	"sync"
)

type sentFrame struct {
	destination string
	body        []byte
}

type fakeLink struct {
	mu          sync.Mutex
	subs        map[string]chan []byte
	subscribes  map[string]int
	sent        []sentFrame
	sendErr     error
	onSubscribe func(topic string, ch chan []byte)
	done        chan struct{}
	closeOnce   sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		subs:       make(map[string]chan []byte),
		subscribes: make(map[string]int),
		done:       make(chan struct{}),
	}
}

func (l *fakeLink) Subscribe(topic string) (<-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return nil, errors.New("link closed")
	default:
	}
	ch := make(chan []byte, 256)
	l.subs[topic] = ch
	l.subscribes[topic]++
	if l.onSubscribe != nil {
		l.onSubscribe(topic, ch)
	}
	return ch, nil
}

func (l *fakeLink) Unsubscribe(topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.subs[topic]; ok {
		close(ch)
		delete(l.subs, topic)
	}
	return nil
}

func (l *fakeLink) Send(destination string, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, sentFrame{destination: destination, body: body})
	return nil
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		close(l.done)
		for topic, ch := range l.subs {
			close(ch)
			delete(l.subs, topic)
		}
	})
	return nil
}

func (l *fakeLink) Done() <-chan struct{} { return l.done }

// deliver pushes body to topic, reporting whether the topic was subscribed.
func (l *fakeLink) deliver(topic string, body string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.subs[topic]
	if !ok {
		return false
	}
	ch <- []byte(body)
	return true
}

func (l *fakeLink) subscribed(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[topic]
	return ok
}

func (l *fakeLink) subscribeCount(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribes[topic]
}

func (l *fakeLink) sentFrames() []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentFrame(nil), l.sent...)
}

func (l *fakeLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	tokens  []string
	links   []*fakeLink
	err     error
	block   chan struct{}
	prepare func(l *fakeLink)
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Link, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, token)
	err, block, prepare := d.err, d.block, d.prepare
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	l := newFakeLink()
	if prepare != nil {
		prepare(l)
	}
	d.mu.Lock()
	d.links = append(d.links, l)
	d.mu.Unlock()
	return l, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) link(i int) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.links) {
		return nil
	}
	return d.links[i]
}

func (d *fakeDialer) linkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}
