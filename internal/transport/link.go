// ABOUTME: Link and Dialer abstractions over a duplex pub/sub connection to the broker
// ABOUTME: Frame and State types shared by the transport and its callers

package transport

import (
	"context"
	"errors"
)

// Transport errors
var (
	ErrAuth           = errors.New("no credential available")
	ErrNetwork        = errors.New("network failure")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrNotConnected   = errors.New("transport not connected")
)

// State is the connection state of a Transport.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

// AllStates lists every state, in declaration order.
var AllStates = []State{Disconnected, Connecting, Connected, Reconnecting}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Frame is one inbound message body received on a topic.
type Frame struct {
	Topic string
	Body  []byte
}

// FrameHandler receives frames for a topic. Calls for one topic are never
// concurrent and arrive in broker order.
type FrameHandler func(Frame)

// Link is one established broker connection.
type Link interface {
	// Subscribe starts delivery for topic. The returned channel is closed when
	// the topic is unsubscribed or the link ends.
	Subscribe(topic string) (<-chan []byte, error)
	// Unsubscribe stops delivery for topic. It is called with the transport
	// lock held and must not wait on the network.
	Unsubscribe(topic string) error
	Send(destination string, body []byte) error
	Close() error
	// Done is closed when the link has ended for any reason.
	Done() <-chan struct{}
}

// Dialer establishes Links. Dial must honour ctx for both the network dial
// and the protocol handshake. A rejected credential is reported as ErrAuth.
type Dialer interface {
	Dial(ctx context.Context, token string) (Link, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Link, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, token string) (Link, error) {
	return f(ctx, token)
}
