package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/assist"
	"github.com/matheus3301/smartlink/internal/chat"
	"github.com/matheus3301/smartlink/internal/contacts"
)

// Service names.
const (
	ConnectionServiceName   = "smartlink.v1.ConnectionService"
	AccountServiceName      = "smartlink.v1.AccountService"
	ConversationServiceName = "smartlink.v1.ConversationService"
	MessageServiceName      = "smartlink.v1.MessageService"
	ContactServiceName      = "smartlink.v1.ContactService"
	AssistServiceName       = "smartlink.v1.AssistService"
)

type Empty struct{}

// Connection

type StatusResponse struct {
	Profile       string    `json:"profile"`
	State         string    `json:"state"`
	Since         time.Time `json:"since"`
	UptimeMs      int64     `json:"uptime_ms"`
	UserID        string    `json:"user_id,omitempty"`
	Conversations int       `json:"conversations"`
	PendingSends  int       `json:"pending_sends"`
	LastEventAt   time.Time `json:"last_event_at,omitzero"`
}

type ConnectRequest struct {
	Endpoint string `json:"endpoint,omitempty"`
}

type StateResponse struct {
	State string `json:"state"`
}

// Account

type UserResponse struct {
	User      account.User `json:"user"`
	ExpiresAt time.Time    `json:"expires_at,omitzero"`
}

// Conversations

type ListConversationsRequest struct {
	// Cached skips the backend refresh.
	Cached bool `json:"cached,omitempty"`
}

type ConversationsResponse struct {
	Conversations []chat.Conversation `json:"conversations"`
}

type ConversationRequest struct {
	ID string `json:"id"`
}

type ConversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
}

type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type MemberRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type UserIDsResponse struct {
	UserIDs []string `json:"user_ids"`
}

// Messages

type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
	BeforeID       string `json:"before_id,omitempty"`
	Cached         bool   `json:"cached,omitempty"`
}

type MessagesResponse struct {
	Messages []chat.Message `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

type SendRequest struct {
	chat.SendRequest
	// Wait blocks until the backend acknowledged or rejected the message.
	Wait bool `json:"wait,omitempty"`
}

type MessageRequest struct {
	ID   string `json:"id"`
	Wait bool   `json:"wait,omitempty"`
}

type MessageResponse struct {
	Message chat.Message `json:"message"`
	// Error is set when Wait was requested and the send failed.
	Error string `json:"error,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type TypingRequest struct {
	ConversationID string   `json:"conversation_id"`
	Typing         bool     `json:"typing"`
	Recipients     []string `json:"recipients,omitempty"`
}

type SignalRequest struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	RecipientID    string          `json:"recipient_id"`
	Type           string          `json:"signal_type"`
	Data           json.RawMessage `json:"signal_data,omitempty"`
}

type SearchMessagesRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type WatchRequest struct {
	// Prefixes filters bus kinds; empty watches chat, message, contact and
	// connection events.
	Prefixes []string `json:"prefixes,omitempty"`
}

// Envelope carries one bus event. Payload is a protobuf-encoded
// google.protobuf.Struct.
type Envelope struct {
	EventID          string `json:"event_id"`
	Profile          string `json:"profile"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	PayloadVersion   int    `json:"payload_version"`
	Payload          []byte `json:"payload,omitempty"`
}

// Contacts

type ContactsResponse struct {
	Contacts []contacts.Contact `json:"contacts"`
}

type UsersResponse struct {
	Users []account.User `json:"users"`
}

type FavoriteRequest struct {
	UserID   string `json:"user_id"`
	Favorite bool   `json:"favorite"`
}

type SearchUsersRequest struct {
	Query string `json:"query"`
}

type RequestsRequest struct {
	Status contacts.RequestStatus `json:"status,omitempty"`
}

type RequestsResponse struct {
	Requests []contacts.FriendRequest `json:"requests"`
	// Stale is set when the backend was unreachable and the list is local.
	Stale string `json:"stale,omitempty"`
}

type FriendRequestRequest struct {
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

type FriendRequestResponse struct {
	Request contacts.FriendRequest `json:"request"`
}

// Assist

type TranslateRequest struct {
	Text string `json:"text"`
	From string `json:"from"`
	To   string `json:"to"`
}

type TranslateResponse struct {
	Translated string `json:"translated"`
}

type CompleteRequest struct {
	Messages []assist.Message `json:"messages"`
}

type Chunk struct {
	Text string `json:"text"`
}
