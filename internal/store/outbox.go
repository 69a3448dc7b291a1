package store

import "time"

// OutboxEntry is the journal record of one outgoing send.
type OutboxEntry struct {
	ID             int64  `db:"id"`
	ClientMsgID    string `db:"client_msg_id"`
	ConversationID string `db:"conversation_id"`
	Body           string `db:"body"`
	Status         string `db:"status"` // queued, sending, sent, failed
	Attempts       int    `db:"attempts"`
	ErrorMessage   string `db:"error_message"`
	ServerMsgID    string `db:"server_msg_id"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

// QueueOutbox journals a send. Queueing an id again (a retry) resets it to
// 'queued' and counts the attempt.
func (db *DB) QueueOutbox(clientMsgID, conversationID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', 1, ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			status = 'queued',
			attempts = outbox.attempts + 1,
			error_message = '',
			updated_at = excluded.updated_at`,
		clientMsgID, conversationID, body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// ListOutbox returns journal entries with the given status, oldest first.
// An empty status lists every entry.
func (db *DB) ListOutbox(status string) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	q := `SELECT * FROM outbox`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if err := db.Select(&entries, q, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// InterruptOutbox marks entries left queued or sending by a previous run as
// failed and returns how many were changed.
func (db *DB) InterruptOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = 'interrupted before acknowledgment', updated_at = ?
		WHERE status IN ('queued', 'sending')`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
