package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/smartlink/internal/chat"
)

type messageRow struct {
	SlotID         string `db:"slot_id"`
	MsgID          string `db:"msg_id"`
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	Content        string `db:"content"`
	ContentType    string `db:"content_type"`
	MediaURL       string `db:"media_url"`
	Timestamp      int64  `db:"timestamp"`
	ReadBy         string `db:"read_by"`
	DeliveryStatus string `db:"delivery_status"`
	Provisional    bool   `db:"provisional"`
	Encrypted      bool   `db:"encrypted"`
	LastError      string `db:"last_error"`
}

func toMessageRow(m chat.Message) (messageRow, error) {
	readBy := make(map[string]int64, len(m.ReadStatus))
	for uid, at := range m.ReadStatus {
		readBy[uid] = millis(at)
	}
	raw, err := json.Marshal(readBy)
	if err != nil {
		return messageRow{}, err
	}
	return messageRow{
		SlotID:         m.CorrelationID,
		MsgID:          m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ContentType:    string(m.ContentType),
		MediaURL:       m.MediaURL,
		Timestamp:      millis(m.Timestamp),
		ReadBy:         string(raw),
		DeliveryStatus: string(m.DeliveryStatus),
		Provisional:    m.Provisional,
		Encrypted:      m.Encrypted,
		LastError:      m.LastError,
	}, nil
}

func (r messageRow) message() (chat.Message, error) {
	m := chat.Message{
		ID:             r.MsgID,
		CorrelationID:  r.SlotID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		ContentType:    chat.ContentType(r.ContentType),
		MediaURL:       r.MediaURL,
		Timestamp:      fromMillis(r.Timestamp),
		DeliveryStatus: chat.DeliveryStatus(r.DeliveryStatus),
		Provisional:    r.Provisional,
		Encrypted:      r.Encrypted,
		LastError:      r.LastError,
	}
	var readBy map[string]int64
	if err := json.Unmarshal([]byte(r.ReadBy), &readBy); err != nil {
		return chat.Message{}, fmt.Errorf("message %q read_by: %w", r.MsgID, err)
	}
	if len(readBy) > 0 {
		m.ReadStatus = make(map[string]time.Time, len(readBy))
		for uid, at := range readBy {
			m.ReadStatus[uid] = fromMillis(at)
		}
	}
	return m, nil
}

func messages(rows []messageRow) ([]chat.Message, error) {
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UpsertMessage writes the message of one cache slot. Another slot holding
// the same backend id is removed first, so a push copy that was collapsed
// into a reconciled send does not survive.
func (db *DB) UpsertMessage(m chat.Message) error {
	if m.CorrelationID == "" {
		return errors.New("upsert message: empty slot id")
	}
	row, err := toMessageRow(m)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", m.ID, err)
	}

	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ? AND slot_id != ?`,
		row.ConversationID, row.MsgID, row.SlotID); err != nil {
		return err
	}
	if _, err := tx.NamedExec(`
		INSERT INTO messages (slot_id, msg_id, conversation_id, sender_id, content, content_type,
			media_url, timestamp, read_by, delivery_status, provisional, encrypted, last_error)
		VALUES (:slot_id, :msg_id, :conversation_id, :sender_id, :content, :content_type,
			:media_url, :timestamp, :read_by, :delivery_status, :provisional, :encrypted, :last_error)
		ON CONFLICT(slot_id) DO UPDATE SET
			msg_id = excluded.msg_id,
			content = excluded.content,
			content_type = excluded.content_type,
			media_url = excluded.media_url,
			timestamp = excluded.timestamp,
			read_by = excluded.read_by,
			delivery_status = excluded.delivery_status,
			provisional = excluded.provisional,
			encrypted = excluded.encrypted,
			last_error = excluded.last_error`, row); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessage removes one slot.
func (db *DB) DeleteMessage(slotID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE slot_id = ?`, slotID)
	return err
}

// ListMessages returns up to limit messages of a conversation older than
// beforeTs (unix millis; 0 means now), oldest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	var rows []messageRow
	err := db.Select(&rows, `
		SELECT * FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(rows)
	return messages(rows)
}

// SearchMessages finds messages whose content contains query, newest first.
// An empty conversationID searches every conversation.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	escaper := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	q := `SELECT * FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escaper.Replace(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	var rows []messageRow
	if err := db.Select(&rows, q, args...); err != nil {
		return nil, err
	}
	return messages(rows)
}

// LoadSnapshot reads every conversation and its newest perConversation
// messages.
func (db *DB) LoadSnapshot(perConversation int) (chat.Snapshot, error) {
	convs, err := db.ListConversations(0)
	if err != nil {
		return chat.Snapshot{}, fmt.Errorf("list conversations: %w", err)
	}
	snap := chat.Snapshot{Conversations: convs}
	for _, c := range convs {
		msgs, err := db.ListMessages(c.ID, 0, perConversation)
		if err != nil {
			return chat.Snapshot{}, fmt.Errorf("list messages of %q: %w", c.ID, err)
		}
		snap.Messages = append(snap.Messages, msgs...)
	}
	return snap, nil
}
