package chat

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------
// Conversation & Message Models
// ---------------------------------------------

type ConversationType string

const (
	TypePrivate ConversationType = "private"
	TypeGroup   ConversationType = "group"
)

// Conversation is the shared part of a channel. Per-member flags live in
// memberState and are merged into a ConversationView.
type Conversation struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Type            ConversationType `json:"type"`
	Participants    []string         `json:"participants"`
	LastMessage     string           `json:"last_message"`
	LastMessageTime time.Time        `json:"last_message_time"`
	CreatedAt       time.Time        `json:"created_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type memberState struct {
	UnreadCount int
	IsPinned    bool
	IsMuted     bool
	IsArchived  bool
	IsStarred   bool
}

// ConversationView is a conversation as one member sees it.
type ConversationView struct {
	Conversation
	UnreadCount int  `json:"unread_count"`
	IsPinned    bool `json:"is_pinned"`
	IsMuted     bool `json:"is_muted"`
	IsArchived  bool `json:"is_archived"`
	IsStarred   bool `json:"is_starred"`
}

// DeliveryStatus is the cosmetic progression of an outgoing message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	// StatusFailed only occurs in acknowledged delivery mode.
	StatusFailed DeliveryStatus = "failed"
)

type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	IsRead         bool           `json:"is_read"`
	IsSent         bool           `json:"is_sent"`
	Status         DeliveryStatus `json:"status"`
	ReplyToID      string         `json:"reply_to_id,omitempty"`
	Reactions      Reactions      `json:"reactions"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
}

func (m Message) clone() Message {
	out := m
	out.Reactions = m.Reactions.Clone()
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return out
}

// Draft is what a member submits from the compose box.
type Draft struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
}

// NewConversation is the create request.
type NewConversation struct {
	Type    ConversationType `json:"type"`
	Name    string           `json:"name"`
	Members []string         `json:"members"`
}

// ---------------------------------------------
// Hub Events
// ---------------------------------------------

type EventOp string

const (
	OpMessageCreated      EventOp = "message.created"
	OpMessageStatus       EventOp = "message.status"
	OpMessageReaction     EventOp = "message.reaction"
	OpMessageDeleted      EventOp = "message.deleted"
	OpConversationUpdated EventOp = "conversation.updated"
	OpConversationDeleted EventOp = "conversation.deleted"
	OpConversationRead    EventOp = "conversation.read"
)

// Event is what the hub fans out. Recipients are user ids; the payload is
// whatever the op carries.
type Event struct {
	Op             EventOp         `json:"op"`
	ConversationID string          `json:"conversation_id"`
	Recipients     []string        `json:"recipients,omitempty"`
	Data           json.RawMessage `json:"data"`
}

func newEvent(op EventOp, conversationID string, recipients []string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Op: op, ConversationID: conversationID, Recipients: recipients, Data: raw}, nil
}

type statusChange struct {
	MessageID string         `json:"message_id"`
	Status    DeliveryStatus `json:"status"`
}

type reactionChange struct {
	MessageID string    `json:"message_id"`
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"user_id"`
	Added     bool      `json:"added"`
	Reactions Reactions `json:"reactions"`
}
