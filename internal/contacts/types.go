package contacts

import (
	"time"

	"github.com/matheus3301/smartlink/internal/account"
)

// RequestStatus is the state of a friend request. A pending request is
// resolved exactly once.
type RequestStatus string

const (
	Pending  RequestStatus = "pending"
	Accepted RequestStatus = "accepted"
	Rejected RequestStatus = "rejected"
)

// FriendRequest asks RecipientID to add SenderID as a contact.
type FriendRequest struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"sender_id"`
	RecipientID string        `json:"recipient_id"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	Sender      *account.User `json:"sender,omitempty"`
}

// Contact is a user in the address book.
type Contact struct {
	account.User
	Favorite bool `json:"favorite"`
}

type sendRequest struct {
	RecipientID string `json:"recipient_id" validate:"required"`
}
