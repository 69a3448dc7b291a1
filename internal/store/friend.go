package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/contacts"
)

type friendRequestRow struct {
	ID          string `db:"id"`
	SenderID    string `db:"sender_id"`
	RecipientID string `db:"recipient_id"`
	Status      string `db:"status"`
	SenderName  string `db:"sender_name"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r friendRequestRow) request() contacts.FriendRequest {
	fr := contacts.FriendRequest{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Status:      contacts.RequestStatus(r.Status),
		CreatedAt:   fromMillis(r.CreatedAt),
	}
	if r.SenderName != "" {
		fr.Sender = &account.User{ID: r.SenderID, DisplayName: r.SenderName}
	}
	return fr
}

// UpsertFriendRequest stores a friend request. A resolved request never goes
// back to pending.
func (db *DB) UpsertFriendRequest(fr contacts.FriendRequest) error {
	var senderName string
	if fr.Sender != nil {
		senderName = fr.Sender.Name()
	}
	_, err := db.Exec(`
		INSERT INTO friend_requests (id, sender_id, recipient_id, status, sender_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = CASE WHEN friend_requests.status = 'pending' THEN excluded.status ELSE friend_requests.status END,
			sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE friend_requests.sender_name END,
			updated_at = excluded.updated_at`,
		fr.ID, fr.SenderID, fr.RecipientID, string(fr.Status), senderName, millis(fr.CreatedAt), time.Now().UnixMilli())
	return err
}

// GetFriendRequest returns a request by id, or nil when unknown.
func (db *DB) GetFriendRequest(id string) (*contacts.FriendRequest, error) {
	var r friendRequestRow
	err := db.Get(&r, `SELECT * FROM friend_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fr := r.request()
	return &fr, nil
}

// ListFriendRequests returns requests with the given status, newest first.
// An empty status lists all of them.
func (db *DB) ListFriendRequests(status contacts.RequestStatus) ([]contacts.FriendRequest, error) {
	q := `SELECT * FROM friend_requests`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`

	var rows []friendRequestRow
	if err := db.Select(&rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]contacts.FriendRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.request())
	}
	return out, nil
}
