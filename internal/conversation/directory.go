// ABOUTME: Directory lists threads, opens and closes sessions, and routes inbound frames
// ABOUTME: One shared inbox subscription is demultiplexed to sessions by peer

package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stazy/stazy-chat/internal/api"
	"github.com/stazy/stazy-chat/internal/dedupe"
	"github.com/stazy/stazy-chat/internal/metrics"
	"github.com/stazy/stazy-chat/internal/transport"
)

// Directory errors
var (
	ErrInvalidPeer = errors.New("invalid peer")
	ErrNotOpen     = errors.New("thread not open")
)

// defaultEchoTTL bounds how long a send waits for its broker echo.
const defaultEchoTTL = 2 * time.Minute

// echoCacheSize caps outstanding echoes across all threads.
const echoCacheSize = 1024

// Transport is the shared connection the directory subscribes and publishes on.
type Transport interface {
	Subscribe(topic string, handler transport.FrameHandler) (*transport.Subscription, error)
	Unsubscribe(sub *transport.Subscription)
	Subscribed(sub *transport.Subscription) bool
	Publish(destination string, payload []byte) error
	State() transport.State
	Watch(ctx context.Context) <-chan transport.State
}

// ChatAPI is the REST surface the directory needs.
type ChatAPI interface {
	HistorySource
	Threads(ctx context.Context) ([]string, error)
	Profile(ctx context.Context, email string) (*api.Profile, error)
}

// Options tunes a Directory.
type Options struct {
	EchoTTL time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now overrides the clock used for client-side timestamps.
	Now func() time.Time
}

// Directory owns every open session for the local identity.
type Directory struct {
	me        string
	transport Transport
	chats     ChatAPI
	echoes    *dedupe.Cache
	updates   *Broadcaster
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu          sync.Mutex
	sessions    map[string]*Session
	order       []string
	active      string
	inbox       *transport.Subscription
	watchCancel context.CancelFunc
	names       map[string]string
}

// NewDirectory creates a directory for the local identity me.
func NewDirectory(me string, tr Transport, chats ChatAPI, opts Options) (*Directory, error) {
	me = strings.TrimSpace(me)
	if me == "" {
		return nil, fmt.Errorf("%w: local identity is required", ErrInvalidPeer)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.EchoTTL
	if ttl <= 0 {
		ttl = defaultEchoTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Directory{
		me:        me,
		transport: tr,
		chats:     chats,
		echoes:    dedupe.New(ttl, echoCacheSize),
		updates:   NewBroadcaster(logger),
		logger:    logger.With("component", "directory"),
		metrics:   opts.Metrics,
		now:       now,
		sessions:  make(map[string]*Session),
		names:     make(map[string]string),
	}, nil
}

// Me returns the local identity.
func (d *Directory) Me() string { return d.me }

// ListThreads fetches the peers the local user has conversations with.
func (d *Directory) ListThreads(ctx context.Context) (iter.Seq[string], error) {
	peers, err := d.chats.Threads(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Values(peers), nil
}

// OpenThread returns the session for peer, creating it if needed. A new
// session makes sure the inbox is subscribed, which connects the transport
// lazily, and starts loading history. The opened thread becomes active.
func (d *Directory) OpenThread(ctx context.Context, peer string) (*Session, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" || peer == d.me {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeer, peer)
	}

	d.mu.Lock()
	if err := d.ensureInboxLocked(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if s, ok := d.sessions[peer]; ok {
		d.active = peer
		d.mu.Unlock()
		return s, nil
	}

	s := newSession(d.me, peer, d.transport.State(), sessionDeps{
		publisher: d.transport,
		history:   d.chats,
		echoes:    d.echoes,
		updates:   d.updates,
		logger:    d.logger,
		metrics:   d.metrics,
		now:       d.now,
	})
	d.sessions[peer] = s
	d.order = append(d.order, peer)
	d.active = peer
	d.mu.Unlock()

	d.metrics.SessionOpened()
	d.logger.Info("thread opened", "peer", peer)
	s.startLoad(ctx)
	return s, nil
}

// CloseThread detaches the session for peer and cancels its history fetch.
// The inbox subscription is released with the last session.
func (d *Directory) CloseThread(peer string) bool {
	d.mu.Lock()
	s, ok := d.sessions[peer]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.sessions, peer)
	d.order = slices.DeleteFunc(d.order, func(p string) bool { return p == peer })
	if d.active == peer {
		d.active = ""
		if n := len(d.order); n > 0 {
			d.active = d.order[n-1]
		}
	}
	release := d.releaseInboxLocked()
	d.mu.Unlock()

	s.close()
	if release != nil {
		d.transport.Unsubscribe(release)
	}
	d.metrics.SessionClosed()
	d.logger.Info("thread closed", "peer", peer)
	return true
}

// Active returns the most recently opened or selected session.
func (d *Directory) Active() (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[d.active]
	return s, ok
}

// SetActive selects an open thread.
func (d *Directory) SetActive(peer string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[peer]; !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, peer)
	}
	d.active = peer
	return nil
}

// Session returns the open session for peer.
func (d *Directory) Session(peer string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[peer]
	return s, ok
}

// Sessions returns the open sessions in the order they were opened.
func (d *Directory) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, 0, len(d.order))
	for _, peer := range d.order {
		out = append(out, d.sessions[peer])
	}
	return out
}

// Updates streams changes from every thread, including messages for threads
// that are not open, until ctx is cancelled.
func (d *Directory) Updates(ctx context.Context) <-chan Update {
	ch, _ := d.updates.Subscribe(ctx, AllThreads)
	return ch
}

// ResolveName returns a display name for peer. Lookups are cached; on failure
// the identity itself is returned.
func (d *Directory) ResolveName(ctx context.Context, peer string) string {
	d.mu.Lock()
	name, ok := d.names[peer]
	d.mu.Unlock()
	if ok {
		return name
	}

	p, err := d.chats.Profile(ctx, peer)
	if err != nil {
		d.logger.Debug("profile lookup failed", "peer", peer, "error", err)
		return peer
	}
	name = p.DisplayName()

	d.mu.Lock()
	d.names[peer] = name
	d.mu.Unlock()
	return name
}

// Close closes every session and releases the inbox.
func (d *Directory) Close() {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*Session)
	d.order = nil
	d.active = ""
	release := d.releaseInboxLocked()
	d.mu.Unlock()

	for _, s := range sessions {
		s.close()
		d.metrics.SessionClosed()
	}
	if release != nil {
		d.transport.Unsubscribe(release)
	}
	d.updates.Close()
	d.echoes.Close()
}

// ensureInboxLocked subscribes the inbox unless the current handle is still
// live. A Disconnect on the transport drops every handle, so a handle kept
// from before it is replaced.
func (d *Directory) ensureInboxLocked() error {
	if d.inbox == nil || !d.transport.Subscribed(d.inbox) {
		sub, err := d.transport.Subscribe(InboxTopic(d.me), d.route)
		if err != nil {
			return fmt.Errorf("subscribing to inbox: %w", err)
		}
		if d.inbox != nil {
			d.logger.Info("inbox subscription renewed")
		}
		d.inbox = sub
	}
	if d.watchCancel == nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		d.watchCancel = cancel
		go d.mirrorConnection(d.transport.Watch(watchCtx))
	}
	return nil
}

// reviveInbox restores the inbox after the transport came back without it.
func (d *Directory) reviveInbox() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return
	}
	if err := d.ensureInboxLocked(); err != nil {
		d.logger.Warn("restoring inbox failed", "error", err)
	}
}

func (d *Directory) releaseInboxLocked() *transport.Subscription {
	if len(d.sessions) > 0 || d.inbox == nil {
		return nil
	}
	sub := d.inbox
	d.inbox = nil
	if d.watchCancel != nil {
		d.watchCancel()
		d.watchCancel = nil
	}
	return sub
}

// route decodes an inbox frame and hands it to the session for its peer.
func (d *Directory) route(f transport.Frame) {
	cf, err := decodeFrame(f.Body)
	if err != nil {
		d.metrics.DecodeFailed()
		d.logger.Warn("dropping inbound frame", "topic", f.Topic, "error", err)
		return
	}

	peer := cf.peerFor(d.me)
	if peer == "" {
		d.logger.Debug("frame not addressed to us", "sender", cf.SenderEmail, "recipient", cf.RecipientEmail)
		return
	}

	d.mu.Lock()
	s, ok := d.sessions[peer]
	d.mu.Unlock()

	if !ok {
		if cf.SenderEmail != d.me {
			d.updates.Publish(Update{
				Kind: UpdateIncoming,
				Peer: peer,
				Message: Message{
					Sender:    cf.SenderEmail,
					Recipient: cf.RecipientEmail,
					Content:   cf.Content,
					Timestamp: d.now().UTC().Format(time.RFC3339),
				},
			})
		}
		return
	}
	s.receive(cf)
}

// mirrorConnection copies transport state changes onto every open session.
// The first value is the state at subscription time, which new sessions
// already start from.
func (d *Directory) mirrorConnection(states <-chan transport.State) {
	if _, ok := <-states; !ok {
		return
	}
	for state := range states {
		if state == transport.Connected {
			d.reviveInbox()
		}
		for _, s := range d.Sessions() {
			s.setConnection(state)
		}
	}
}
