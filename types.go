package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Kinds & Status
// ============================================================================

// ConversationKind distinguishes plain chats from order-linked and support ones.
type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindOrder   ConversationKind = "order"
	KindSupport ConversationKind = "support"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageFile     MessageKind = "file"
	MessageLocation MessageKind = "location"
	MessageSystem   MessageKind = "system"
)

// DeliveryStatus tracks an outgoing message from optimistic insert to
// server confirmation.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// ============================================================================
// Entities
// ============================================================================

// Participant is a read-only user projection supplied by the profile source.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Verified    bool   `json:"verified"`
}

// LastMessage is the snapshot rendered in conversation lists.
type LastMessage struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"sender_id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// Conversation is the store's view of a conversation. Values returned by the
// store are copies.
type Conversation struct {
	ID            string           `json:"id"`
	Title         string           `json:"title,omitempty"`
	Kind          ConversationKind `json:"kind"`
	OrderRef      string           `json:"order_ref,omitempty"`
	Participants  []string         `json:"participants"`
	LastMessage   *LastMessage     `json:"last_message,omitempty"`
	LastMessageAt time.Time        `json:"last_message_at"`
	Unread        int              `json:"unread"`
	Archived      bool             `json:"archived"`
	Active        bool             `json:"active"`
}

// Other returns the first participant that is not self.
func (c Conversation) Other(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// Message is a single entry of a conversation timeline. Before confirmation
// ID holds a temporary "tmp-" identifier equal to ClientID.
type Message struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"client_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Kind           MessageKind    `json:"kind"`
	Content        string         `json:"content"`
	AttachmentURL  string         `json:"attachment_url,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Read           bool           `json:"read"`
	Edited         bool           `json:"edited"`
	Deleted        bool           `json:"deleted"`
	Status         DeliveryStatus `json:"status"`
}

// Temporary reports whether the message still carries its local identifier.
func (m Message) Temporary() bool {
	return m.ClientID != "" && m.ID == m.ClientID
}

// before orders messages by creation time, ties broken by identifier.
func (m *Message) before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// ============================================================================
// Requests
// ============================================================================

// HistoryQuery selects a page of messages. Since is inclusive and returns
// oldest first; without Since the newest Limit messages are returned,
// limited to those strictly older than Before when it is set.
type HistoryQuery struct {
	Since  time.Time
	Before time.Time
	Limit  int
}

// CreateConversationRequest is the payload for opening a conversation.
type CreateConversationRequest struct {
	Kind         ConversationKind `json:"conversation_type" validate:"required,oneof=direct order support"`
	Participants []string         `json:"participant_ids" validate:"required,min=1,dive,required"`
	OrderRef     string           `json:"related_order,omitempty" validate:"required_if=Kind order"`
	Title        string           `json:"title,omitempty" validate:"max=200"`
}

// CreateMessageRequest is the payload of the create-call.
type CreateMessageRequest struct {
	ConversationID string      `json:"-" validate:"required"`
	ClientID       string      `json:"client_id" validate:"required"`
	Kind           MessageKind `json:"message_type" validate:"required,oneof=text image file location system"`
	Content        string      `json:"content" validate:"required_if=Kind text,max=5000"`
	AttachmentURL  string      `json:"attachment_url,omitempty" validate:"required_if=Kind image"`
	ReplyTo        string      `json:"reply_to,omitempty"`
}

// UpdateMessageRequest is the payload of the edit-call.
type UpdateMessageRequest struct {
	MessageID string `json:"-" validate:"required"`
	Content   string `json:"content" validate:"required,max=5000"`
}

// ============================================================================
// Response Envelope
// ============================================================================

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
