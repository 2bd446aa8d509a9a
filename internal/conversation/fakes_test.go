// ABOUTME: Fake transport and chat API for conversation tests
// ABOUTME: Frames are injected synchronously and history fetches can be gated

package conversation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stazy/stazy-chat/internal/api"
	"github.com/stazy/stazy-chat/internal/transport"
)

type published struct {
	destination string
	frame       ChatFrame
}

type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]transport.FrameHandler
	subs         map[string]*transport.Subscription
	subscribes   int
	unsubscribes int
	published    []published
	publishErr   error
	publishGate  chan struct{}
	state        transport.State
	watchers     map[chan transport.State]struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]transport.FrameHandler),
		subs:     make(map[string]*transport.Subscription),
		state:    transport.Connected,
		watchers: make(map[chan transport.State]struct{}),
	}
}

func (f *fakeTransport) Subscribe(topic string, handler transport.FrameHandler) (*transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[topic]; ok {
		return sub, nil
	}
	sub := &transport.Subscription{}
	f.subs[topic] = sub
	f.handlers[topic] = handler
	f.subscribes++
	return sub, nil
}

func (f *fakeTransport) Unsubscribe(sub *transport.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, s := range f.subs {
		if s == sub {
			delete(f.subs, topic)
			delete(f.handlers, topic)
			f.unsubscribes++
		}
	}
}

func (f *fakeTransport) Subscribed(sub *transport.Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s == sub {
			return true
		}
	}
	return false
}

// dropAll forgets every subscription the way a transport Disconnect does.
func (f *fakeTransport) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = make(map[string]*transport.Subscription)
	f.handlers = make(map[string]transport.FrameHandler)
}

func (f *fakeTransport) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeTransport) Publish(destination string, payload []byte) error {
	f.mu.Lock()
	gate := f.publishGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	var cf ChatFrame
	if err := json.Unmarshal(payload, &cf); err != nil {
		return err
	}
	f.published = append(f.published, published{destination: destination, frame: cf})
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Watch(ctx context.Context) <-chan transport.State {
	ch := make(chan transport.State, 16)
	f.mu.Lock()
	ch <- f.state
	f.watchers[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *fakeTransport) setState(s transport.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	for ch := range f.watchers {
		ch <- s
	}
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// inject delivers body on topic synchronously, reporting whether anyone was
// subscribed.
func (f *fakeTransport) inject(topic string, body string) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(transport.Frame{Topic: topic, Body: []byte(body)})
	return true
}

func (f *fakeTransport) injectChat(topic string, frame ChatFrame) bool {
	body, _ := json.Marshal(frame)
	return f.inject(topic, string(body))
}

func (f *fakeTransport) publishedFrames() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func (f *fakeTransport) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[topic]
	return ok
}

type fakeChatAPI struct {
	mu         sync.Mutex
	threads    []string
	history    map[string][]api.HistoryMessage
	historyErr error
	gate       chan struct{}
	canceled   chan struct{}
	calls      int
	profiles   map[string]*api.Profile
	lookups    int
}

func newFakeChatAPI() *fakeChatAPI {
	return &fakeChatAPI{
		history:  make(map[string][]api.HistoryMessage),
		profiles: make(map[string]*api.Profile),
		canceled: make(chan struct{}, 8),
	}
}

func (f *fakeChatAPI) Threads(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.threads...), nil
}

func (f *fakeChatAPI) History(ctx context.Context, peer string) ([]api.HistoryMessage, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.canceled <- struct{}{}
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]api.HistoryMessage(nil), f.history[peer]...), nil
}

func (f *fakeChatAPI) Profile(ctx context.Context, email string) (*api.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	p, ok := f.profiles[email]
	if !ok {
		return nil, api.ErrNotFound
	}
	return p, nil
}

func (f *fakeChatAPI) setHistory(peer string, rows ...api.HistoryMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[peer] = rows
}

func (f *fakeChatAPI) historyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func historyRow(id, sender, recipient, content, ts string) api.HistoryMessage {
	return api.HistoryMessage{
		ID:             json.Number(id),
		SenderEmail:    sender,
		RecipientEmail: recipient,
		Content:        content,
		Timestamp:      api.Timestamp(ts),
	}
}
