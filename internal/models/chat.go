package models

import (
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID          uuid.UUID `json:"id"`
	SenderID    uuid.UUID `json:"sender_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Content     string    `json:"content"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation is derived from the message log on every aggregation pass and
// is never stored.
type Conversation struct {
	CounterpartyID     uuid.UUID `json:"counterparty_id"`
	CounterpartyName   string    `json:"counterparty_name"`
	CounterpartyType   UserType  `json:"counterparty_type"`
	CounterpartyAvatar *string   `json:"counterparty_avatar,omitempty"`
	Messages           []Message `json:"messages"`
	LastMessage        string    `json:"last_message"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
}

const (
	MessageEventInsert = "INSERT"
	MessageEventUpdate = "UPDATE"
	MessageEventDelete = "DELETE"
	// MessageEventResync is raised locally after the push channel reconnects,
	// since changes made while it was down were never delivered.
	MessageEventResync = "RESYNC"
)

type MessageEvent struct {
	Type        string    `json:"type"`
	MessageID   uuid.UUID `json:"id"`
	SenderID    uuid.UUID `json:"sender_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
}
