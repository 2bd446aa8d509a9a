// ABOUTME: Session holds one thread's message log, its history load, and the send guard
// ABOUTME: Optimistic sends, echo suppression, and the connection overlay live here

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stazy/stazy-chat/internal/api"
	"github.com/stazy/stazy-chat/internal/dedupe"
	"github.com/stazy/stazy-chat/internal/metrics"
	"github.com/stazy/stazy-chat/internal/transport"
)

// Session errors
var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrSendInFlight  = errors.New("a send is already in flight")
	ErrSessionClosed = errors.New("session closed")
)

// State is the lifecycle state of a session.
type State int

const (
	// Loading means the initial history fetch has not finished.
	Loading State = iota
	// Ready means the log is usable.
	Ready
	// Closed means the thread was closed; late results are discarded.
	Closed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Publisher sends payloads through the shared connection.
type Publisher interface {
	Publish(destination string, payload []byte) error
}

// HistorySource fetches a conversation's stored messages.
type HistorySource interface {
	History(ctx context.Context, peer string) ([]api.HistoryMessage, error)
}

// Session is one open conversation with a peer.
type Session struct {
	me        string
	peer      string
	publisher Publisher
	history   HistorySource
	echoes    *dedupe.Cache
	updates   *Broadcaster
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	loaded     chan struct{}
	loadedOnce sync.Once

	mu         sync.Mutex
	state      State
	sending    bool
	conn       transport.State
	messages   []Message
	seq        uint64
	err        error
	loadGen    uint64
	loadCancel context.CancelFunc
}

type sessionDeps struct {
	publisher Publisher
	history   HistorySource
	echoes    *dedupe.Cache
	updates   *Broadcaster
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func newSession(me, peer string, conn transport.State, deps sessionDeps) *Session {
	return &Session{
		me:        me,
		peer:      peer,
		publisher: deps.publisher,
		history:   deps.history,
		echoes:    deps.echoes,
		updates:   deps.updates,
		logger:    deps.logger.With("peer", peer),
		metrics:   deps.metrics,
		now:       deps.now,
		loaded:    make(chan struct{}),
		state:     Loading,
		conn:      conn,
	}
}

// Peer returns the other participant's identity.
func (s *Session) Peer() string { return s.peer }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connection returns the connection overlay for this thread.
func (s *Session) Connection() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Sending reports whether a send is outstanding.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// Err returns the error from the most recent history fetch, if it failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Messages returns a copy of the log in arrival order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Updates streams changes to this thread until ctx is cancelled.
func (s *Session) Updates(ctx context.Context) <-chan Update {
	ch, _ := s.updates.Subscribe(ctx, s.peer)
	return ch
}

// WaitLoaded blocks until the initial history fetch has settled or the
// session is closed.
func (s *Session) WaitLoaded(ctx context.Context) error {
	select {
	case <-s.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send appends an optimistic message and publishes it. Only one send may be
// outstanding at a time. A failed publish leaves the message Unconfirmed and
// returns the error; nothing is resent automatically.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(ChatFrame{SenderEmail: s.me, RecipientEmail: s.peer, Content: text})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.sending {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.sending = true
	msg := s.appendLocked(Message{
		LocalID:   uuid.New().String(),
		Sender:    s.me,
		Recipient: s.peer,
		Content:   text,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Status:    Pending,
	})
	key := dedupe.Key(s.me, s.peer, text)
	s.echoes.Mark(key)
	s.metrics.SetPendingEchoes(s.echoes.Len())
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateAppended, Message: msg})

	pubErr := s.publisher.Publish(SendDestination, payload)

	s.mu.Lock()
	s.sending = false
	var overlay bool
	if pubErr != nil {
		s.echoes.Forget(key)
		s.metrics.SetPendingEchoes(s.echoes.Len())
		msg.Status = Unconfirmed
		if errors.Is(pubErr, transport.ErrNotConnected) && s.conn != transport.Reconnecting {
			s.conn = transport.Reconnecting
			overlay = true
		}
	} else {
		msg.Status = Sent
	}
	changed, ok := s.setStatusLocked(msg.LocalID, msg.Status)
	s.mu.Unlock()

	if ok {
		s.publish(Update{Kind: UpdateChanged, Message: changed})
	}
	if overlay {
		s.publish(Update{Kind: UpdateConnection, Connection: transport.Reconnecting})
	}
	if pubErr != nil {
		s.logger.Warn("send failed", "error", pubErr)
		return fmt.Errorf("sending to %s: %w", s.peer, pubErr)
	}
	return nil
}

// Refresh re-fetches history and replaces the log with it, keeping optimistic
// messages and anything that arrived while the fetch was in flight. An
// optimistic message the server has since stored appears twice.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.loadGen++
	gen, since := s.loadGen, s.seq
	s.mu.Unlock()

	return s.fetch(ctx, gen, since)
}

// Delete removes the message with localID from the log. It reports whether a
// message was removed.
func (s *Session) Delete(localID string) bool {
	s.mu.Lock()
	var removed Message
	found := false
	for i, m := range s.messages {
		if m.LocalID == localID {
			removed = m
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.publish(Update{Kind: UpdateRemoved, Message: removed})
	}
	return found
}

// startLoad begins the initial history fetch. The fetch outlives the caller's
// ctx and is cancelled only by close.
func (s *Session) startLoad(ctx context.Context) {
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.loadGen++
	gen, since := s.loadGen, s.seq
	s.loadCancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		if err := s.fetch(loadCtx, gen, since); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("history load failed", "error", err)
		}
	}()
}

// fetch loads history and applies it if no newer load or close superseded it.
func (s *Session) fetch(ctx context.Context, gen, since uint64) error {
	start := time.Now()
	rows, err := s.history.History(ctx, s.peer)
	s.metrics.ObserveHistoryFetch(time.Since(start).Seconds())

	s.mu.Lock()
	if s.state == Closed || gen != s.loadGen {
		closed := s.state == Closed
		s.mu.Unlock()
		s.logger.Debug("discarding superseded history result", "closed", closed)
		if closed {
			return ErrSessionClosed
		}
		return nil
	}

	initial := s.state == Loading
	s.state = Ready
	if err != nil {
		s.err = err
		if initial {
			s.messages = s.keepSinceLocked(nil, since)
		}
	} else {
		s.err = nil
		log := make([]Message, 0, len(rows)+len(s.messages))
		for _, row := range rows {
			m := fromHistory(row, uuid.New().String())
			m.seq = s.nextSeqLocked()
			log = append(log, m)
		}
		s.messages = s.keepSinceLocked(log, since)
	}
	s.mu.Unlock()

	s.loadedOnce.Do(func() { close(s.loaded) })
	s.publish(Update{Kind: UpdateLoaded, Err: err})
	return err
}

// keepSinceLocked appends to log the current entries that are optimistic or
// arrived after sequence number since.
func (s *Session) keepSinceLocked(log []Message, since uint64) []Message {
	for _, m := range s.messages {
		if m.Optimistic() || m.seq > since {
			log = append(log, m)
		}
	}
	return log
}

// receive appends an inbound frame, or consumes it as the echo of a local send.
func (s *Session) receive(f ChatFrame) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}

	if f.SenderEmail == s.me && s.echoes.Consume(dedupe.Key(s.me, s.peer, f.Content)) {
		changed, ok := s.confirmEchoLocked(f.Content)
		s.mu.Unlock()

		s.metrics.EchoSuppressed()
		s.metrics.SetPendingEchoes(s.echoes.Len())
		if ok {
			s.publish(Update{Kind: UpdateChanged, Message: changed})
		}
		return
	}

	msg := s.appendLocked(Message{
		LocalID:   uuid.New().String(),
		Sender:    f.SenderEmail,
		Recipient: f.RecipientEmail,
		Content:   f.Content,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Status:    Delivered,
	})
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateAppended, Message: msg})
}

// confirmEchoLocked marks the oldest optimistic message with content as
// delivered.
func (s *Session) confirmEchoLocked(content string) (Message, bool) {
	for i := range s.messages {
		m := &s.messages[i]
		if m.Content == content && (m.Status == Pending || m.Status == Sent) {
			m.Status = Delivered
			m.Timestamp = s.now().UTC().Format(time.RFC3339)
			// Keep it across refreshes until the server copy is fetched.
			m.seq = s.nextSeqLocked()
			return *m, true
		}
	}
	return Message{}, false
}

// setConnection mirrors the transport state onto this thread.
func (s *Session) setConnection(state transport.State) {
	s.mu.Lock()
	if s.state == Closed || s.conn == state {
		s.mu.Unlock()
		return
	}
	s.conn = state
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateConnection, Connection: state})
}

// close cancels any history fetch and discards its result.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.loadGen++
	cancel := s.loadCancel
	s.loadCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loadedOnce.Do(func() { close(s.loaded) })
	s.publish(Update{Kind: UpdateClosed})
}

func (s *Session) appendLocked(m Message) Message {
	m.seq = s.nextSeqLocked()
	s.messages = append(s.messages, m)
	return m
}

func (s *Session) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// setStatusLocked moves a Pending message to status. A message already
// confirmed by its echo, or deleted, is left alone.
func (s *Session) setStatusLocked(localID string, status Status) (Message, bool) {
	for i := range s.messages {
		m := &s.messages[i]
		if m.LocalID != localID {
			continue
		}
		if m.Status != Pending {
			return Message{}, false
		}
		m.Status = status
		return *m, true
	}
	return Message{}, false
}

func (s *Session) publish(u Update) {
	u.Peer = s.peer
	s.updates.Publish(u)
}
