// ABOUTME: Wire types returned by the chat REST endpoints
// ABOUTME: Timestamp accepts both ISO strings and Jackson's LocalDateTime array form

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryMessage is one row of GET /api/chats/{peer}.
type HistoryMessage struct {
	ID             json.Number `json:"id,omitempty"`
	SenderEmail    string      `json:"senderEmail"`
	RecipientEmail string      `json:"recipientEmail,omitempty"`
	Content        string      `json:"content"`
	Timestamp      Timestamp   `json:"timestamp"`
}

// Profile is the display information for a peer.
type Profile struct {
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// DisplayName returns "First Last", falling back to the email.
func (p *Profile) DisplayName() string {
	name := p.FirstName
	if p.LastName != "" {
		if name != "" {
			name += " "
		}
		name += p.LastName
	}
	if name == "" {
		return p.Email
	}
	return name
}

// Timestamp is an ISO-8601 string kept verbatim. Jackson without the JSR-310
// string setting serializes LocalDateTime as [y, m, d, h, min, s, nanos];
// that form is normalized to an ISO string.
type Timestamp string

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*ts = ""
		return nil
	}

	if len(data) > 0 && data[0] == '[' {
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("timestamp array: %w", err)
		}
		if len(parts) < 3 {
			return fmt.Errorf("timestamp array needs at least year, month, day; got %d fields", len(parts))
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		t := time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC)
		*ts = Timestamp(t.Format("2006-01-02T15:04:05.999999999"))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*ts = Timestamp(s)
	return nil
}

// String returns the timestamp text.
func (ts Timestamp) String() string {
	return string(ts)
}
