package bus

import "time"

// Event kinds published by the daemon components. Subscribers filter by
// namespace prefix ("connection.", "chat.", "message.", "contact.").
const (
	KindStatusChanged = "connection.status_changed"

	KindConversationUpserted = "chat.conversation_upserted"
	KindMessageUpserted      = "chat.message_upserted"
	KindMessageRemoved       = "chat.message_removed"
	KindPushEvent            = "chat.push"

	KindSendAck    = "message.send_ack"
	KindSendFailed = "message.send_failed"

	KindFriendRequest = "contact.friend_request"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
