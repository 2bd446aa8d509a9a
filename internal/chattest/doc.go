// Package chattest provides an in-process chat backend for tests and local
// development.
//
// The Server mirrors the behaviour of the production chat backend closely
// enough to drive the real client stack end to end:
//
//   - GET /api/chats/threads: peers the caller has exchanged messages with
//   - GET /api/chats/{peer}: the conversation with peer, oldest first
//   - GET /api/users/{email}: profile lookup
//   - /ws/chat/websocket: STOMP 1.2 over WebSocket with a simple /topic broker
//
// A SEND to /app/chat.send is stored and then published to both
// /topic/messages/{recipient} and /topic/messages/{sender}, so the sender
// receives an echo of its own message.
//
// Every endpoint requires a bearer JWT signed with the server secret, sent in
// the Authorization header or the token query parameter. The websocket
// handshake is refused with 403 when the token is missing or invalid.
//
//	srv := chattest.New([]byte("secret"), nil)
//	ts := httptest.NewServer(srv.Handler())
//	token := srv.Token("me@example.com")
//	wsURL := chattest.WebSocketURL(ts.URL)
package chattest
