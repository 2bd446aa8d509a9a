// ABOUTME: Production Dialer speaking STOMP 1.2 over a raw WebSocket to the Spring endpoint
// ABOUTME: Uses coder/websocket for the socket and go-stomp for framing and subscriptions

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"

	"github.com/stazy/stazy-chat/internal/auth"
)

const (
	// stompReadLimit bounds a single WebSocket message carrying STOMP frames.
	stompReadLimit = 1 << 20

	// disconnectTimeout bounds the wait for the DISCONNECT receipt.
	disconnectTimeout = 2 * time.Second

	frameBufferSize = 64
)

// StompOptions tunes a StompDialer.
type StompOptions struct {
	// QueryToken also passes the credential as the token query parameter,
	// for proxies that strip the Authorization header on upgrade.
	QueryToken bool
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// StompDialer dials the broker's raw WebSocket endpoint, for example
// ws://localhost:8080/ws/chat/websocket.
type StompDialer struct {
	endpoint string
	opts     StompOptions
	logger   *slog.Logger
}

// NewStompDialer creates a dialer for endpoint.
func NewStompDialer(endpoint string, opts StompOptions) *StompDialer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StompDialer{
		endpoint: endpoint,
		opts:     opts,
		logger:   logger.With("component", "stomp"),
	}
}

// Dial opens the WebSocket with the bearer credential and performs the STOMP
// handshake. A handshake rejected with 401 or 403 is reported as ErrAuth.
func (d *StompDialer) Dial(ctx context.Context, token string) (Link, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	if d.opts.QueryToken {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   d.opts.HTTPClient,
		HTTPHeader:   http.Header{"Authorization": []string{auth.BearerHeader(token)}},
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}
	ws.SetReadLimit(stompReadLimit)

	linkCtx, cancel := context.WithCancel(context.Background())
	raw := &watchedConn{Conn: websocket.NetConn(linkCtx, ws, websocket.MessageText), done: make(chan struct{})}

	type result struct {
		conn *stomp.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := stomp.Connect(raw,
			stomp.ConnOpt.Host(u.Hostname()),
			stomp.ConnOpt.HeartBeat(0, 0),
		)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			_ = raw.Close()
			cancel()
			return nil, fmt.Errorf("stomp handshake: %w", r.err)
		}
		d.logger.Debug("stomp session established", "endpoint", u.Host, "version", string(r.conn.Version()))
		return &stompLink{
			conn:   r.conn,
			raw:    raw,
			cancel: cancel,
			logger: d.logger,
			subs:   make(map[string]*stomp.Subscription),
		}, nil
	case <-ctx.Done():
		_ = raw.Close()
		cancel()
		return nil, ctx.Err()
	}
}

// watchedConn signals done once the underlying socket fails or is closed.
type watchedConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.signal()
	}
	return n, err
}

func (c *watchedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.signal()
	}
	return n, err
}

func (c *watchedConn) Close() error {
	c.signal()
	return c.Conn.Close()
}

func (c *watchedConn) signal() {
	c.once.Do(func() { close(c.done) })
}

// stompLink adapts a go-stomp connection to Link.
type stompLink struct {
	conn   *stomp.Conn
	raw    *watchedConn
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*stomp.Subscription

	closeOnce sync.Once
}

func (l *stompLink) Subscribe(topic string) (<-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[topic]; ok {
		return nil, fmt.Errorf("already subscribed to %s", topic)
	}
	sub, err := l.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	l.subs[topic] = sub

	out := make(chan []byte, frameBufferSize)
	go l.forward(topic, sub, out)
	return out, nil
}

// forward copies message bodies until the subscription ends.
func (l *stompLink) forward(topic string, sub *stomp.Subscription, out chan<- []byte) {
	defer close(out)
	for msg := range sub.C {
		if msg.Err != nil {
			l.logger.Debug("subscription ended", "topic", topic, "error", msg.Err)
			return
		}
		out <- msg.Body
	}
}

func (l *stompLink) Unsubscribe(topic string) error {
	l.mu.Lock()
	sub, ok := l.subs[topic]
	delete(l.subs, topic)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	// Unsubscribe waits for the broker's receipt while the reader goroutine
	// may still be delivering to this subscription.
	go func() {
		if err := sub.Unsubscribe(); err != nil {
			l.logger.Debug("stomp unsubscribe", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (l *stompLink) Send(destination string, body []byte) error {
	return l.conn.Send(destination, "application/json", body)
}

// Close sends DISCONNECT, waits briefly for the receipt, then drops the socket.
func (l *stompLink) Close() error {
	l.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- l.conn.Disconnect() }()

		select {
		case err := <-done:
			if err != nil {
				l.logger.Debug("stomp disconnect", "error", err)
			}
		case <-time.After(disconnectTimeout):
			_ = l.conn.MustDisconnect()
		}
		_ = l.raw.Close()
		l.cancel()
	})
	return nil
}

func (l *stompLink) Done() <-chan struct{} {
	return l.raw.done
}
