// Package transport maintains the single duplex connection to the chat broker.
//
// # Overview
//
// A Transport owns at most one live Link to the broker at a time and
// multiplexes any number of topic subscriptions over it. The link is created
// lazily when the first topic is subscribed, and torn down after an idle grace
// period once the last subscription is released.
//
//	tr := transport.New(transport.NewStompDialer(endpoint, transport.StompOptions{}), tokens, transport.Options{})
//	sub, err := tr.Subscribe("/topic/messages/me@example.com", func(f transport.Frame) {
//	    // runs on a per-topic goroutine, in arrival order
//	})
//	err = tr.Publish("/app/chat.send", payload)
//
// # States
//
//	Disconnected -> Connecting -> Connected
//	Connected    -> Reconnecting (unexpected drop) -> Connected
//	any          -> Disconnected (Disconnect or idle grace expiry)
//
// On an unexpected drop a single reconnect loop retries every ReconnectDelay
// without bound. Every active topic is resubscribed on the new link before the
// state becomes Connected, so frames are not lost between reconnect and
// resubscribe.
//
// # Errors
//
//   - ErrAuth: no credential was available; nothing was dialed
//   - ErrNetwork: the dial or the STOMP handshake failed
//   - ErrConnectTimeout: no handshake result within ConnectTimeout
//   - ErrNotConnected: Publish was called while not Connected
//
// Publish is never retried by the transport.
package transport
