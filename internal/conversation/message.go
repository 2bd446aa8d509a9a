// ABOUTME: Message model for a conversation log and the chat frame wire format
// ABOUTME: Decodes inbound frames and converts history rows into log entries

package conversation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stazy/stazy-chat/internal/api"
)

// Destinations on the broker
const (
	// SendDestination receives outgoing chat messages.
	SendDestination = "/app/chat.send"

	inboxPrefix = "/topic/messages/"
)

// InboxTopic returns the topic on which identity receives its messages,
// including the echo of its own sends.
func InboxTopic(identity string) string {
	return inboxPrefix + identity
}

// ErrDecode is reported for inbound frames that are not chat messages.
var ErrDecode = errors.New("malformed chat frame")

// Status tracks where a message is in its life.
type Status int

const (
	// Delivered messages came from history or the broker.
	Delivered Status = iota
	// Pending messages are optimistic and their publish is in flight.
	Pending
	// Sent messages were accepted by the transport.
	Sent
	// Unconfirmed messages failed to publish and are not resent.
	Unconfirmed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Unconfirmed:
		return "unconfirmed"
	default:
		return "unknown"
	}
}

// Message is one entry in a conversation log.
type Message struct {
	// ID is assigned by the server; empty for live and optimistic messages.
	ID string
	// LocalID identifies the entry within this client for its whole life.
	LocalID   string
	Sender    string
	Recipient string
	Content   string
	Timestamp string
	Status    Status

	seq uint64
}

// Optimistic reports whether the message was created by a local send.
func (m Message) Optimistic() bool {
	return m.Status != Delivered
}

// ChatFrame is the JSON payload exchanged with the broker.
type ChatFrame struct {
	SenderEmail    string `json:"senderEmail"`
	RecipientEmail string `json:"recipientEmail"`
	Content        string `json:"content"`
}

// decodeFrame parses an inbound frame body.
func decodeFrame(body []byte) (ChatFrame, error) {
	var f ChatFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return ChatFrame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if f.SenderEmail == "" || f.RecipientEmail == "" {
		return ChatFrame{}, fmt.Errorf("%w: missing sender or recipient", ErrDecode)
	}
	return f, nil
}

// peerFor returns the other participant as seen by me, or "" when the frame
// does not involve me.
func (f ChatFrame) peerFor(me string) string {
	switch me {
	case f.SenderEmail:
		return f.RecipientEmail
	case f.RecipientEmail:
		return f.SenderEmail
	default:
		return ""
	}
}

func fromHistory(row api.HistoryMessage, localID string) Message {
	return Message{
		ID:        row.ID.String(),
		LocalID:   localID,
		Sender:    row.SenderEmail,
		Recipient: row.RecipientEmail,
		Content:   row.Content,
		Timestamp: row.Timestamp.String(),
		Status:    Delivered,
	}
}
