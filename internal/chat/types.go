package chat

import (
	"maps"
	"slices"
	"time"
)

// ConversationType distinguishes one-to-one and group conversations.
type ConversationType string

const (
	Direct ConversationType = "Direct"
	Group  ConversationType = "Group"
)

// ContentType is the kind of message payload.
type ContentType string

const (
	Text     ContentType = "Text"
	Image    ContentType = "Image"
	File     ContentType = "File"
	Voice    ContentType = "Voice"
	Video    ContentType = "Video"
	Location ContentType = "Location"
)

// DeliveryStatus is the sender-side view of a message. It only moves forward
// along Sent, Delivered, Read; Error marks a failed send.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "Sent"
	StatusDelivered DeliveryStatus = "Delivered"
	StatusRead      DeliveryStatus = "Read"
	StatusError     DeliveryStatus = "Error"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// upgrade returns the more advanced of s and to. Error is never produced here.
func (s DeliveryStatus) upgrade(to DeliveryStatus) DeliveryStatus {
	if to.rank() > s.rank() {
		return to
	}
	return s
}

// Preview is the denormalized last-message summary of a conversation.
type Preview struct {
	MessageID   string      `json:"message_id"`
	SenderID    string      `json:"sender_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Timestamp   time.Time   `json:"timestamp"`
	ReadByAll   bool        `json:"read_by_all"`
}

// Conversation is an addressable channel between two or more participants.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	AvatarURL    string           `json:"avatar_url,omitempty"`
	Participants []string         `json:"participants"`
	LastMessage  *Preview         `json:"last_message,omitempty"`
	Encrypted    bool             `json:"encrypted"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

func (c Conversation) clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		p := *c.LastMessage
		c.LastMessage = &p
	}
	return c
}

// Message is one entry of a conversation. ID changes from a provisional
// "tmp-" id to the backend id on acknowledgment; CorrelationID never changes.
type Message struct {
	ID             string               `json:"id" validate:"required"`
	CorrelationID  string               `json:"-"`
	ConversationID string               `json:"conversation_id" validate:"required"`
	SenderID       string               `json:"sender_id" validate:"required"`
	Content        string               `json:"content"`
	ContentType    ContentType          `json:"content_type" validate:"oneof=Text Image File Voice Video Location"`
	MediaURL       string               `json:"media_url,omitempty"`
	// Timestamp orders the conversation. A confirmed send keeps the local
	// send time here and carries the backend time in ConfirmedAt.
	Timestamp      time.Time            `json:"timestamp" validate:"required"`
	ConfirmedAt    time.Time            `json:"confirmed_at,omitzero"`
	ReadStatus     map[string]time.Time `json:"read_by,omitempty"`
	DeliveryStatus DeliveryStatus       `json:"delivery_status,omitempty"`
	Provisional    bool                 `json:"provisional,omitempty"`
	Encrypted      bool                 `json:"encrypted,omitempty"`
	// LastError holds the failure reason while DeliveryStatus is Error.
	LastError string `json:"last_error,omitempty"`
}

// ReadBy reports whether userID has read the message.
func (m *Message) ReadBy(userID string) bool {
	_, ok := m.ReadStatus[userID]
	return ok
}

func (m Message) clone() Message {
	m.ReadStatus = maps.Clone(m.ReadStatus)
	return m
}

// SendRequest is the input of Synchronizer.SendMessage.
type SendRequest struct {
	ConversationID string      `json:"conversation_id" validate:"required"`
	Content        string      `json:"content" validate:"required_without=MediaURL,max=65536"`
	ContentType    ContentType `json:"content_type" validate:"oneof=Text Image File Voice Video Location"`
	MediaURL       string      `json:"media_url,omitempty" validate:"omitempty,url"`
}

// OutgoingMessage is what the backend receives for a send. It carries no
// client-side ids.
type OutgoingMessage struct {
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"content_type"`
	MediaURL       string      `json:"media_url,omitempty"`
}

// NewConversation is the input of Synchronizer.CreateConversation.
// Participants include the creator.
type NewConversation struct {
	Type         ConversationType `json:"type" validate:"oneof=Direct Group"`
	Name         string           `json:"name,omitempty" validate:"max=128"`
	Participants []string         `json:"participants" validate:"min=2,unique,dive,required"`
	Encrypted    bool             `json:"encrypted"`
}

// Snapshot is the persisted cache state used for a warm start.
type Snapshot struct {
	Conversations []Conversation
	Messages      []Message
}
