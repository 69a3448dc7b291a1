package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/smartlink/internal/apperr"
)

// EventType tags a push event.
type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventReadReceipt         EventType = "read_receipt"
	EventDeliveryReceipt     EventType = "delivery_receipt"
	EventTyping              EventType = "typing"
	EventPresence            EventType = "presence"
	EventConversationUpdated EventType = "conversation_updated"
)

// ErrUnsupportedEvent is returned for well-formed frames of a type the
// synchronizer does not consume.
var ErrUnsupportedEvent = errors.New("unsupported push event")

// Event is a decoded push event. Payload is one of *Message, *ReadReceipt,
// *DeliveryReceipt, *Typing, *Presence or *ConversationUpdate.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        Payload   `json:"payload"`
}

// Payload is the per-type body of an Event.
type Payload interface {
	eventType() EventType
}

// ReadReceipt reports that UserID read MessageID, or the whole conversation
// when MessageID is empty.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id" validate:"required"`
	At        time.Time `json:"at"`
}

// DeliveryReceipt reports that MessageID reached UserID's device.
type DeliveryReceipt struct {
	MessageID string    `json:"message_id" validate:"required"`
	UserID    string    `json:"user_id" validate:"required"`
	At        time.Time `json:"at"`
}

// Typing is a typing indicator from UserID.
type Typing struct {
	UserID   string `json:"user_id" validate:"required"`
	IsTyping bool   `json:"is_typing"`
}

// Presence is a user status change.
type Presence struct {
	UserID string `json:"user_id" validate:"required"`
	Status string `json:"status" validate:"oneof=online offline away busy"`
}

// ConversationUpdate carries new conversation metadata (rename, membership).
type ConversationUpdate struct {
	Conversation Conversation `json:"conversation"`
}

func (*Message) eventType() EventType            { return EventNewMessage }
func (*ReadReceipt) eventType() EventType        { return EventReadReceipt }
func (*DeliveryReceipt) eventType() EventType    { return EventDeliveryReceipt }
func (*Typing) eventType() EventType             { return EventTyping }
func (*Presence) eventType() EventType           { return EventPresence }
func (*ConversationUpdate) eventType() EventType { return EventConversationUpdated }

type wireEvent struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	MessageType    string          `json:"message_type"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	MessageID      string          `json:"message_id"`
	Data           json.RawMessage `json:"data"`
	Timestamp      *time.Time      `json:"timestamp"`
}

// eventAliases maps normalized wire type names (lowercase, no underscores) to
// event types. messagestatusupdate is resolved from its data.
var eventAliases = map[string]EventType{
	"newmessage":          EventNewMessage,
	"readreceipt":         EventReadReceipt,
	"deliveryreceipt":     EventDeliveryReceipt,
	"typing":              EventTyping,
	"typingindicator":     EventTyping,
	"presence":            EventPresence,
	"userstatus":          EventPresence,
	"conversationupdated": EventConversationUpdated,
	"groupmemberadded":    EventConversationUpdated,
	"groupmemberremoved":  EventConversationUpdated,
}

func normalizeType(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

// DecodeEvent parses and validates one push frame.
func DecodeEvent(frame []byte, now time.Time) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return Event{}, apperr.Invalid("decode event", "malformed frame: %v", err)
	}
	raw := w.EventType
	if raw == "" {
		raw = w.MessageType
	}
	name := normalizeType(raw)

	evt := Event{ID: w.ID, ConversationID: w.ConversationID, Timestamp: now}
	if w.Timestamp != nil && !w.Timestamp.IsZero() {
		evt.Timestamp = *w.Timestamp
	}

	var err error
	if name == "messagestatusupdate" {
		evt.Type, err = statusUpdateType(w.Data)
	} else if t, ok := eventAliases[name]; ok {
		evt.Type = t
	} else {
		err = fmt.Errorf("%w: %q", ErrUnsupportedEvent, raw)
	}
	if err != nil {
		return Event{}, err
	}

	payload, err := decodePayload(evt.Type, w)
	if err != nil {
		return Event{}, err
	}
	if m, ok := payload.(*Message); ok && m.Timestamp.IsZero() {
		m.Timestamp = evt.Timestamp
	}
	if err := apperr.Validate("decode "+string(evt.Type), payload); err != nil {
		return Event{}, err
	}
	evt.Payload = payload

	switch p := payload.(type) {
	case *Message:
		if evt.ConversationID == "" {
			evt.ConversationID = p.ConversationID
		}
		if p.ConversationID != evt.ConversationID {
			return Event{}, apperr.Invalid("decode new_message", "conversation mismatch %q != %q", p.ConversationID, evt.ConversationID)
		}
		if evt.ID == "" {
			evt.ID = "msg:" + p.ID
		}
	case *ConversationUpdate:
		if evt.ConversationID == "" {
			evt.ConversationID = p.Conversation.ID
		}
	}
	if evt.ConversationID == "" && evt.Type != EventPresence {
		return Event{}, apperr.Invalid("decode "+string(evt.Type), "conversation_id is required")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	return evt, nil
}

func statusUpdateType(data json.RawMessage) (EventType, error) {
	var s struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return "", apperr.Invalid("decode status update", "malformed data: %v", err)
	}
	switch strings.ToLower(s.Status) {
	case "read":
		return EventReadReceipt, nil
	case "delivered":
		return EventDeliveryReceipt, nil
	}
	return "", fmt.Errorf("%w: status update %q", ErrUnsupportedEvent, s.Status)
}

func decodePayload(t EventType, w wireEvent) (Payload, error) {
	var p Payload
	switch t {
	case EventNewMessage:
		p = &Message{ConversationID: w.ConversationID, SenderID: w.SenderID, ContentType: Text}
	case EventReadReceipt:
		p = &ReadReceipt{MessageID: w.MessageID, UserID: w.SenderID}
	case EventDeliveryReceipt:
		p = &DeliveryReceipt{MessageID: w.MessageID, UserID: w.SenderID}
	case EventTyping:
		p = &Typing{UserID: w.SenderID}
	case EventPresence:
		p = &Presence{UserID: w.SenderID}
	case EventConversationUpdated:
		p = &ConversationUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, t)
	}
	if len(w.Data) == 0 || string(w.Data) == "null" {
		return p, nil
	}
	target := any(p)
	if cu, ok := p.(*ConversationUpdate); ok {
		target = &cu.Conversation
	}
	if err := json.Unmarshal(w.Data, target); err != nil {
		return nil, apperr.Invalid("decode "+string(t), "malformed data: %v", err)
	}
	if pr, ok := p.(*Presence); ok {
		pr.Status = strings.ToLower(pr.Status)
	}
	return p, nil
}

// Outgoing frame kinds.
const (
	frameUserStatus  = "UserStatus"
	frameTyping      = "TypingIndicator"
	frameChatMessage = "NewMessage"
	frameWebRTC      = "WebRTCSignal"
)

type outFrame struct {
	MessageType    string `json:"message_type"`
	SenderID       string `json:"sender_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	Data           any    `json:"data,omitempty"`
	Timestamp      string `json:"timestamp"`
}

func encodeFrame(kind, senderID, conversationID, recipientID string, data any, now time.Time) ([]byte, error) {
	return json.Marshal(outFrame{
		MessageType:    kind,
		SenderID:       senderID,
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Data:           data,
		Timestamp:      now.UTC().Format(time.RFC3339),
	})
}
