// ABOUTME: STOMP 1.2 broker sessions over gorilla websocket connections
// ABOUTME: Handles CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and DISCONNECT for the fake backend

package chattest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/stazy/stazy-chat/internal/auth"
)

// sendDestination is the application destination for outgoing chat messages.
const sendDestination = "/app/chat.send"

var messageSeq atomic.Int64

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, errMsg := auth.TokenFromRequest(r)
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusForbidden)
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		server:   s,
		conn:     conn,
		identity: identity,
		subs:     make(map[string]string),
		logger:   s.logger.With("identity", identity),
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.serve()

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	_ = conn.Close()
}

// session is one STOMP connection.
type session struct {
	server   *Server
	conn     *websocket.Conn
	identity string
	logger   *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func (sess *session) serve() {
	reader := frame.NewReader(&messageReader{conn: sess.conn})
	for {
		f, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug("stomp read ended", "error", err)
			}
			return
		}
		if f == nil {
			continue // heart-beat
		}
		if done := sess.handle(f); done {
			return
		}
	}
}

// handle processes one client frame and reports whether the session is over.
func (sess *session) handle(f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		sess.write(frame.New(frame.CONNECTED,
			"version", negotiateVersion(f.Header.Get("accept-version")),
			"heart-beat", "0,0",
			"server", "chattest",
			"user-name", sess.identity,
		))
	case frame.SUBSCRIBE:
		sess.mu.Lock()
		sess.subs[f.Header.Get("id")] = f.Header.Get("destination")
		sess.mu.Unlock()
	case frame.UNSUBSCRIBE:
		sess.mu.Lock()
		delete(sess.subs, f.Header.Get("id"))
		sess.mu.Unlock()
	case frame.SEND:
		if err := sess.handleSend(f); err != nil {
			sess.write(frame.New(frame.ERROR, "message", err.Error()))
			return true
		}
	case frame.DISCONNECT:
		sess.receipt(f)
		return true
	default:
		sess.write(frame.New(frame.ERROR, "message", "unsupported command "+f.Command))
		return true
	}
	sess.receipt(f)
	return false
}

func (sess *session) handleSend(f *frame.Frame) error {
	dest := f.Header.Get("destination")
	if dest != sendDestination {
		return errors.New("unknown destination " + dest)
	}
	var msg ChatMessage
	if err := json.Unmarshal(f.Body, &msg); err != nil {
		return errors.New("malformed chat message")
	}
	sess.server.Deliver(msg)
	return nil
}

func (sess *session) receipt(f *frame.Frame) {
	if id := f.Header.Get("receipt"); id != "" {
		sess.write(frame.New(frame.RECEIPT, "receipt-id", id))
	}
}

func (sess *session) subscriptionsFor(topic string) []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	var ids []string
	for id, dest := range sess.subs {
		if dest == topic {
			ids = append(ids, id)
		}
	}
	return ids
}

func (sess *session) deliver(topic string, body []byte) {
	for _, id := range sess.subscriptionsFor(topic) {
		f := frame.New(frame.MESSAGE,
			"destination", topic,
			"subscription", id,
			"message-id", strconv.FormatInt(messageSeq.Add(1), 10),
			"content-type", "application/json",
		)
		f.Body = body
		sess.write(f)
	}
}

func (sess *session) write(f *frame.Frame) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	w, err := sess.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		sess.logger.Debug("stomp write failed", "command", f.Command, "error", err)
		return
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		sess.logger.Debug("stomp write failed", "command", f.Command, "error", err)
	}
	_ = w.Close()
}

func (s *Server) broadcast(topic string, body []byte) {
	s.mu.Lock()
	sessions := s.sessionsLocked()
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.deliver(topic, body)
	}
}

func negotiateVersion(accept string) string {
	if accept == "" {
		return "1.0"
	}
	best := "1.0"
	for _, v := range strings.Split(accept, ",") {
		v = strings.TrimSpace(v)
		if v == "1.1" || v == "1.2" {
			if v > best {
				best = v
			}
		}
	}
	return best
}

// messageReader presents successive websocket messages as one byte stream so
// STOMP frames may span or share messages.
type messageReader struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (m *messageReader) Read(p []byte) (int, error) {
	for {
		if m.cur == nil {
			_, r, err := m.conn.NextReader()
			if err != nil {
				return 0, err
			}
			m.cur = r
		}
		n, err := m.cur.Read(p)
		if errors.Is(err, io.EOF) {
			m.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
