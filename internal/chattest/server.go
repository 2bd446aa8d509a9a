// ABOUTME: Fake chat backend serving the REST endpoints and message store
// ABOUTME: Issues tokens and exposes hooks for seeding history and dropping connections

package chattest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stazy/stazy-chat/internal/auth"
)

// WebSocketPath is the raw STOMP websocket endpoint.
const WebSocketPath = "/ws/chat/websocket"

// timestampLayout matches the ISO local date-time the backend serializes.
const timestampLayout = "2006-01-02T15:04:05.999999"

// ChatMessage is the wire payload for live messages.
type ChatMessage struct {
	SenderEmail    string `json:"senderEmail"`
	RecipientEmail string `json:"recipientEmail"`
	Content        string `json:"content"`
}

// StoredMessage is one persisted message.
type StoredMessage struct {
	ID             int64  `json:"id"`
	SenderEmail    string `json:"senderEmail"`
	RecipientEmail string `json:"recipientEmail"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
}

// Profile is the public part of a user record.
type Profile struct {
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Server is an in-memory chat backend.
type Server struct {
	verifier *auth.JWTVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	messages []StoredMessage
	nextID   int64
	profiles map[string]Profile
	sessions map[*session]struct{}
}

// New creates a server that signs and verifies tokens with secret.
func New(secret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		verifier: auth.NewJWTVerifier(secret),
		logger:   logger.With("component", "chattest"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:      time.Now,
		profiles: make(map[string]Profile),
		sessions: make(map[*session]struct{}),
	}
}

// WebSocketURL converts the base HTTP URL of a running server into its
// websocket endpoint.
func WebSocketURL(httpURL string) string {
	base := strings.TrimSuffix(httpURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + WebSocketPath
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	authed := auth.HTTPAuthMiddleware(s.verifier)

	mux := http.NewServeMux()
	mux.Handle("GET /api/chats/threads", authed(http.HandlerFunc(s.handleThreads)))
	mux.Handle("GET /api/chats/{peer}", authed(http.HandlerFunc(s.handleHistory)))
	mux.Handle("GET /api/users/{email}", authed(http.HandlerFunc(s.handleProfile)))
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	return mux
}

// Token issues a one-hour token for identity.
func (s *Server) Token(identity string) string {
	token, err := s.verifier.Generate(identity, time.Hour)
	if err != nil {
		// HS256 signing with a byte secret cannot fail.
		panic(err)
	}
	return token
}

// AddProfile registers a user profile.
func (s *Server) AddProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Email] = p
}

// Seed stores a message without publishing it.
func (s *Server) Seed(sender, recipient, content string) StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(ChatMessage{SenderEmail: sender, RecipientEmail: recipient, Content: content})
}

// Deliver stores msg and publishes it to both participants, exactly as a
// SEND to /app/chat.send would.
func (s *Server) Deliver(msg ChatMessage) {
	s.mu.Lock()
	s.storeLocked(msg)
	s.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encoding message", "error", err)
		return
	}
	s.broadcast("/topic/messages/"+msg.RecipientEmail, body)
	s.broadcast("/topic/messages/"+msg.SenderEmail, body)
}

// Messages returns a copy of every stored message.
func (s *Server) Messages() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredMessage(nil), s.messages...)
}

// Connections reports the number of open websocket sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Subscribers reports how many subscriptions exist for topic across sessions.
func (s *Server) Subscribers(topic string) int {
	s.mu.Lock()
	sessions := s.sessionsLocked()
	s.mu.Unlock()

	n := 0
	for _, sess := range sessions {
		n += len(sess.subscriptionsFor(topic))
	}
	return n
}

// DropConnections closes every websocket without a STOMP goodbye, as a
// network failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := s.sessionsLocked()
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

func (s *Server) storeLocked(msg ChatMessage) StoredMessage {
	s.nextID++
	stored := StoredMessage{
		ID:             s.nextID,
		SenderEmail:    msg.SenderEmail,
		RecipientEmail: msg.RecipientEmail,
		Content:        msg.Content,
		Timestamp:      s.now().Format(timestampLayout),
	}
	s.messages = append(s.messages, stored)
	return stored
}

func (s *Server) sessionsLocked() []*session {
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	me := auth.FromContext(r.Context())

	s.mu.Lock()
	seen := make(map[string]bool)
	for _, m := range s.messages {
		switch me {
		case m.SenderEmail:
			seen[m.RecipientEmail] = true
		case m.RecipientEmail:
			seen[m.SenderEmail] = true
		}
	}
	s.mu.Unlock()

	peers := make([]string, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	writeJSON(w, peers)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	me := auth.FromContext(r.Context())
	peer := r.PathValue("peer")

	s.mu.Lock()
	history := []StoredMessage{}
	for _, m := range s.messages {
		if (m.SenderEmail == me && m.RecipientEmail == peer) ||
			(m.SenderEmail == peer && m.RecipientEmail == me) {
			history = append(history, m)
		}
	}
	s.mu.Unlock()

	writeJSON(w, history)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")

	s.mu.Lock()
	p, ok := s.profiles[email]
	s.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, p)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
