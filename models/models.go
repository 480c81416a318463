package models

import (
	"errors"
	"time"
)

var (
	ErrUserExists = errors.New("user already exists")
	ErrNotFound   = errors.New("not found")
)

type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Message is immutable once saved. Recipient is set only for private messages.
type Message struct {
	ID         int64
	Sender     string
	Body       string
	Timestamp  time.Time
	Visibility Visibility
	Recipient  string
}

func NewPublicMessage(sender, body string, at time.Time) *Message {
	return &Message{Sender: sender, Body: body, Timestamp: at.UTC(), Visibility: Public}
}

func NewPrivateMessage(sender, recipient, body string, at time.Time) *Message {
	return &Message{Sender: sender, Body: body, Timestamp: at.UTC(), Visibility: Private, Recipient: recipient}
}

func (m *Message) IsPrivate() bool {
	return m.Visibility == Private
}

// CanonicalPair orders two identities so that (a,b) and (b,a) are stored once.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

