// ABOUTME: Tests for the fake chat backend REST endpoints and STOMP broker
// ABOUTME: Drives the broker with a raw gorilla websocket client and go-stomp frames

package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New([]byte("test-secret"), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestREST_ThreadsAndHistory(t *testing.T) {
	srv, ts := startServer(t)
	srv.Seed("bob@example.com", "me@example.com", "hi")
	srv.Seed("me@example.com", "bob@example.com", "hello bob")
	srv.Seed("me@example.com", "carol@example.com", "hey carol")
	srv.Seed("dave@example.com", "erin@example.com", "not mine")

	token := srv.Token("me@example.com")

	var threads []string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/chats/threads", token, &threads))
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, threads)

	var history []StoredMessage
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/chats/bob@example.com", token, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, "hello bob", history[1].Content)
	assert.NotEmpty(t, history[0].Timestamp)
}

func TestREST_Profile(t *testing.T) {
	srv, ts := startServer(t)
	srv.AddProfile(Profile{Email: "bob@example.com", FirstName: "Bob", LastName: "Builder"})
	token := srv.Token("me@example.com")

	var p Profile
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/users/bob@example.com", token, &p))
	assert.Equal(t, "Bob", p.FirstName)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/users/ghost@example.com", token, nil))
}

func TestREST_RequiresToken(t *testing.T) {
	_, ts := startServer(t)
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, ts.URL+"/api/chats/threads", "", nil))
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, ts.URL+"/api/chats/threads", "garbage", nil))
}

func TestWebSocket_RejectsMissingToken(t *testing.T) {
	_, ts := startServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(WebSocketURL(ts.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// stompClient is a minimal raw client for exercising the broker.
type stompClient struct {
	t      *testing.T
	conn   *websocket.Conn
	reader *frame.Reader
}

func dialStomp(t *testing.T, ts *httptest.Server, token string) *stompClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(WebSocketURL(ts.URL)+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &stompClient{t: t, conn: conn, reader: frame.NewReader(&messageReader{conn: conn})}
	c.send(frame.New(frame.CONNECT, "accept-version", "1.1,1.2", "host", "localhost"))
	connected := c.next()
	require.Equal(t, frame.CONNECTED, connected.Command)
	assert.Equal(t, "1.2", connected.Header.Get("version"))
	return c
}

func (c *stompClient) send(f *frame.Frame) {
	c.t.Helper()
	w, err := c.conn.NextWriter(websocket.TextMessage)
	require.NoError(c.t, err)
	require.NoError(c.t, frame.NewWriter(w).Write(f))
	require.NoError(c.t, w.Close())
}

func (c *stompClient) next() *frame.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		f, err := c.reader.Read()
		require.NoError(c.t, err)
		if f != nil {
			return f
		}
	}
}

func TestBroker_SendEchoesToBothParticipants(t *testing.T) {
	srv, ts := startServer(t)

	me := dialStomp(t, ts, srv.Token("me@example.com"))
	bob := dialStomp(t, ts, srv.Token("bob@example.com"))

	me.send(frame.New(frame.SUBSCRIBE, "id", "sub-0", "destination", "/topic/messages/me@example.com", "receipt", "r1"))
	require.Equal(t, frame.RECEIPT, me.next().Command)
	bob.send(frame.New(frame.SUBSCRIBE, "id", "sub-0", "destination", "/topic/messages/bob@example.com", "receipt", "r1"))
	require.Equal(t, frame.RECEIPT, bob.next().Command)

	send := frame.New(frame.SEND, "destination", "/app/chat.send", "content-type", "application/json")
	send.Body = []byte(`{"senderEmail":"me@example.com","recipientEmail":"bob@example.com","content":"hello"}`)
	me.send(send)

	for _, c := range []*stompClient{bob, me} {
		msg := c.next()
		require.Equal(t, frame.MESSAGE, msg.Command)
		assert.Equal(t, "sub-0", msg.Header.Get("subscription"))

		var body ChatMessage
		require.NoError(t, json.Unmarshal(msg.Body, &body))
		assert.Equal(t, ChatMessage{SenderEmail: "me@example.com", RecipientEmail: "bob@example.com", Content: "hello"}, body)
	}

	require.Len(t, srv.Messages(), 1)
	assert.Equal(t, 1, srv.Subscribers("/topic/messages/bob@example.com"))
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	srv, ts := startServer(t)
	me := dialStomp(t, ts, srv.Token("me@example.com"))

	me.send(frame.New(frame.SUBSCRIBE, "id", "s1", "destination", "/topic/messages/me@example.com"))
	me.send(frame.New(frame.UNSUBSCRIBE, "id", "s1", "receipt", "r2"))
	require.Equal(t, frame.RECEIPT, me.next().Command)

	assert.Equal(t, 0, srv.Subscribers("/topic/messages/me@example.com"))
}

func TestBroker_DropConnections(t *testing.T) {
	srv, ts := startServer(t)
	dialStomp(t, ts, srv.Token("me@example.com"))

	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 5*time.Millisecond)
	srv.DropConnections()
	require.Eventually(t, func() bool { return srv.Connections() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNegotiateVersion(t *testing.T) {
	assert.Equal(t, "1.0", negotiateVersion(""))
	assert.Equal(t, "1.2", negotiateVersion("1.0,1.1,1.2"))
	assert.Equal(t, "1.1", negotiateVersion("1.0, 1.1"))
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8080/ws/chat/websocket", WebSocketURL("http://127.0.0.1:8080/"))
	assert.Equal(t, "wss://chat.example.com/ws/chat/websocket", WebSocketURL("https://chat.example.com"))
}
