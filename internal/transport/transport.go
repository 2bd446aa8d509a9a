// ABOUTME: Transport multiplexes topic subscriptions over one lazily created broker link
// ABOUTME: Handles connect timeouts, the reconnect loop, resubscription, and idle teardown

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stazy/stazy-chat/internal/auth"
	"github.com/stazy/stazy-chat/internal/metrics"
)

// Default timings
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultIdleGrace      = 30 * time.Second
)

// watchBufferSize is the channel buffer for each state watcher.
const watchBufferSize = 16

// Options tunes a Transport. Zero values select the defaults.
type Options struct {
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	IdleGrace      time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Subscription is the handle for one subscribed topic.
type Subscription struct {
	id      string
	topic   string
	handler FrameHandler
}

// ID returns the handle's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// attempt tracks one outstanding connect.
type attempt struct {
	done  chan struct{}
	err   error
	epoch uint64
}

// Transport is the single shared connection to the broker.
type Transport struct {
	dialer  Dialer
	tokens  auth.TokenProvider
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	// wireMu serializes live-link subscribes so they run outside mu.
	wireMu sync.Mutex

	mu             sync.Mutex
	state          State
	link           Link
	subs           map[string]*Subscription
	inflight       *attempt
	epoch          uint64
	reconnectTimer *time.Timer
	graceTimer     *time.Timer
	graceGen       uint64
	watchers       map[chan State]struct{}
}

// New creates a disconnected transport. Nothing is dialed until Connect or
// the first Subscribe.
func New(dialer Dialer, tokens auth.TokenProvider, opts Options) *Transport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = DefaultIdleGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{
		dialer:   dialer,
		tokens:   tokens,
		opts:     opts,
		logger:   logger.With("component", "transport"),
		metrics:  opts.Metrics,
		subs:     make(map[string]*Subscription),
		watchers: make(map[chan State]struct{}),
	}
	t.metrics.SetTransportState(Disconnected.String(), stateNames())
	return t
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Watch returns a channel that receives the current state and every later
// transition until ctx is cancelled. A slow reader loses intermediate states
// but always sees the latest one.
func (t *Transport) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, watchBufferSize)

	t.mu.Lock()
	ch <- t.state
	t.watchers[ch] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.watchers, ch)
		close(ch)
		t.mu.Unlock()
	}()
	return ch
}

// Connect establishes the link if it is not already up. Concurrent callers
// share one attempt.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == Connected {
		t.mu.Unlock()
		return nil
	}
	a := t.inflight
	if a == nil {
		a = t.startAttemptLocked()
		t.mu.Unlock()
		t.run(ctx, a)
	} else {
		t.mu.Unlock()
	}

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for topic and connects lazily. Subscribing to a
// topic that is already subscribed returns the existing handle and leaves the
// original handler in place.
func (t *Transport) Subscribe(topic string, handler FrameHandler) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	t.mu.Lock()
	if sub, ok := t.subs[topic]; ok {
		t.mu.Unlock()
		return sub, nil
	}

	sub := &Subscription{id: uuid.New().String(), topic: topic, handler: handler}
	t.subs[topic] = sub
	t.stopGraceLocked()
	t.metrics.SetActiveTopics(len(t.subs))
	t.logger.Debug("topic subscribed", "topic", topic, "sub_id", sub.id)

	link := t.link
	if link == nil && t.inflight == nil && t.reconnectTimer == nil {
		a := t.startAttemptLocked()
		go t.run(context.Background(), a)
	}
	t.mu.Unlock()

	if link != nil {
		t.attach(link, sub)
	}
	return sub, nil
}

// attach subscribes sub's topic on an already published link. The wire call
// happens without holding mu; a sub released in the meantime is undone.
func (t *Transport) attach(link Link, sub *Subscription) {
	t.wireMu.Lock()
	defer t.wireMu.Unlock()

	if !t.current(link, sub) {
		return
	}
	ch, err := link.Subscribe(sub.topic)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		if t.link == link {
			// The link is unusable; dropping it lets the reconnect loop
			// resubscribe everything on a fresh one.
			t.logger.Warn("subscribe on live link failed", "topic", sub.topic, "error", err)
			go link.Close()
		}
		return
	}
	if t.link == link && t.subs[sub.topic] != sub {
		if err := link.Unsubscribe(sub.topic); err != nil {
			t.logger.Debug("unsubscribe on link failed", "topic", sub.topic, "error", err)
		}
	}
	go t.pump(link, sub, ch)
}

// current reports whether sub is still registered and link is still live.
func (t *Transport) current(link Link, sub *Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link == link && t.subs[sub.topic] == sub
}

// Subscribed reports whether sub is still the live handle for its topic.
// Handles are invalidated by Unsubscribe and by Disconnect.
func (t *Transport) Subscribed(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[sub.topic] == sub
}

// Unsubscribe releases sub. When no subscriptions remain the link is closed
// after the idle grace period unless a new subscription arrives first.
func (t *Transport) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs[sub.topic] != sub {
		return
	}
	delete(t.subs, sub.topic)
	t.metrics.SetActiveTopics(len(t.subs))
	t.logger.Debug("topic unsubscribed", "topic", sub.topic, "sub_id", sub.id)

	if t.link != nil {
		if err := t.link.Unsubscribe(sub.topic); err != nil {
			t.logger.Debug("unsubscribe on link failed", "topic", sub.topic, "error", err)
		}
	}
	if len(t.subs) == 0 {
		t.startGraceLocked()
	}
}

// Publish sends payload to destination. It fails with ErrNotConnected unless
// the transport is Connected and is never retried.
func (t *Transport) Publish(destination string, payload []byte) error {
	t.mu.Lock()
	link, state := t.link, t.state
	t.mu.Unlock()

	if state != Connected || link == nil {
		t.metrics.PublishFailed("not_connected")
		return ErrNotConnected
	}
	if err := link.Send(destination, payload); err != nil {
		t.metrics.PublishFailed("send")
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	t.metrics.FramePublished()
	return nil
}

// Disconnect tears the connection down, clears every subscription, and
// cancels any scheduled reconnect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	link := t.teardownLocked()
	t.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	t.logger.Info("transport disconnected")
}

func (t *Transport) startAttemptLocked() *attempt {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	a := &attempt{done: make(chan struct{}), epoch: t.epoch}
	t.inflight = a
	if t.state != Reconnecting {
		t.setStateLocked(Connecting)
	}
	return a
}

// run executes a connect attempt and settles the state it leaves behind.
func (t *Transport) run(ctx context.Context, a *attempt) {
	err := t.establish(ctx, a)

	t.mu.Lock()
	if t.inflight == a {
		t.inflight = nil
	}
	t.metrics.ConnectAttempt(resultLabel(err))
	if err != nil && a.epoch == t.epoch {
		if len(t.subs) > 0 {
			t.logger.Warn("connect failed, will retry", "error", err, "delay", t.opts.ReconnectDelay)
			t.scheduleReconnectLocked()
		} else {
			t.logger.Warn("connect failed", "error", err)
			t.setStateLocked(Disconnected)
		}
	}
	a.err = err
	close(a.done)
	t.mu.Unlock()
}

// establish dials a link and resubscribes every active topic on it before
// publishing it as the current link.
func (t *Transport) establish(ctx context.Context, a *attempt) error {
	token, ok := t.tokens.Credential(ctx)
	if !ok {
		return ErrAuth
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	link, err := t.dialer.Dial(dialCtx, token)
	if err != nil {
		return t.classify(dialCtx, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if a.epoch != t.epoch {
		go link.Close()
		return fmt.Errorf("%w: disconnected while connecting", ErrNotConnected)
	}
	// Pumps started here block on mu until the link is published below.
	for topic, sub := range t.subs {
		ch, err := link.Subscribe(topic)
		if err != nil {
			go link.Close()
			return fmt.Errorf("%w: resubscribing %s: %v", ErrNetwork, topic, err)
		}
		go t.pump(link, sub, ch)
	}

	t.link = link
	t.setStateLocked(Connected)
	go t.watchLink(link)
	t.logger.Info("transport connected", "topics", len(t.subs))
	return nil
}

func (t *Transport) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrAuth):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrConnectTimeout, t.opts.ConnectTimeout)
	default:
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
}

// pump delivers one subscription's frames in order on a single goroutine.
// Frames are dropped once sub is released or link is no longer current, so a
// later subscription to the same topic never sees them.
func (t *Transport) pump(link Link, sub *Subscription, ch <-chan []byte) {
	for body := range ch {
		if !t.current(link, sub) {
			continue
		}
		t.metrics.FrameReceived(sub.topic)
		sub.handler(Frame{Topic: sub.topic, Body: body})
	}
}

// watchLink waits for link to end and starts the reconnect loop if it was
// still the current link.
func (t *Transport) watchLink(link Link) {
	<-link.Done()
	go link.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link != link {
		return
	}
	t.link = nil
	if len(t.subs) == 0 {
		t.setStateLocked(Disconnected)
		return
	}
	t.logger.Warn("connection lost, reconnecting", "delay", t.opts.ReconnectDelay)
	t.scheduleReconnectLocked()
}

func (t *Transport) scheduleReconnectLocked() {
	t.setStateLocked(Reconnecting)
	if t.reconnectTimer != nil || t.inflight != nil {
		return
	}
	epoch := t.epoch
	t.reconnectTimer = time.AfterFunc(t.opts.ReconnectDelay, func() {
		t.reconnect(epoch)
	})
}

func (t *Transport) reconnect(epoch uint64) {
	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	if t.inflight != nil || t.state == Connected {
		t.mu.Unlock()
		return
	}
	if len(t.subs) == 0 {
		t.setStateLocked(Disconnected)
		t.mu.Unlock()
		return
	}
	a := t.startAttemptLocked()
	t.mu.Unlock()

	t.run(context.Background(), a)
}

func (t *Transport) startGraceLocked() {
	t.stopGraceLocked()
	gen := t.graceGen
	t.graceTimer = time.AfterFunc(t.opts.IdleGrace, func() {
		t.mu.Lock()
		if gen != t.graceGen || len(t.subs) > 0 {
			t.mu.Unlock()
			return
		}
		link := t.teardownLocked()
		t.mu.Unlock()

		if link != nil {
			_ = link.Close()
		}
		t.logger.Info("idle grace expired, connection closed")
	})
}

func (t *Transport) stopGraceLocked() {
	t.graceGen++
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
}

// teardownLocked resets the transport to Disconnected and returns the link the
// caller must close outside the lock.
func (t *Transport) teardownLocked() Link {
	t.epoch++
	t.inflight = nil
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.stopGraceLocked()
	t.subs = make(map[string]*Subscription)
	t.metrics.SetActiveTopics(0)

	link := t.link
	t.link = nil
	t.setStateLocked(Disconnected)
	return link
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	prev := t.state
	t.state = s
	t.metrics.SetTransportState(s.String(), stateNames())
	t.logger.Debug("state changed", "from", prev.String(), "to", s.String())

	for ch := range t.watchers {
		select {
		case ch <- s:
		default:
			// Full: drop the oldest so the newest state is never lost.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrConnectTimeout):
		return "timeout"
	default:
		return "network"
	}
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}
