package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/smartlink/internal/chat"
)

type conversationRow struct {
	ID                 string `db:"id"`
	Type               string `db:"type"`
	Name               string `db:"name"`
	AvatarURL          string `db:"avatar_url"`
	Participants       string `db:"participants"`
	Encrypted          bool   `db:"encrypted"`
	LastMessageID      string `db:"last_message_id"`
	LastMessageSender  string `db:"last_message_sender"`
	LastMessagePreview string `db:"last_message_preview"`
	LastMessageType    string `db:"last_message_type"`
	LastMessageAt      int64  `db:"last_message_at"`
	LastReadByAll      bool   `db:"last_read_by_all"`
	CreatedAt          int64  `db:"created_at"`
	UpdatedAt          int64  `db:"updated_at"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func toConversationRow(c chat.Conversation) (conversationRow, error) {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return conversationRow{}, err
	}
	r := conversationRow{
		ID:           c.ID,
		Type:         string(c.Type),
		Name:         c.Name,
		AvatarURL:    c.AvatarURL,
		Participants: string(participants),
		Encrypted:    c.Encrypted,
		CreatedAt:    millis(c.CreatedAt),
		UpdatedAt:    millis(c.UpdatedAt),
	}
	if p := c.LastMessage; p != nil {
		r.LastMessageID = p.MessageID
		r.LastMessageSender = p.SenderID
		r.LastMessagePreview = p.Content
		r.LastMessageType = string(p.ContentType)
		r.LastMessageAt = millis(p.Timestamp)
		r.LastReadByAll = p.ReadByAll
	}
	return r, nil
}

func (r conversationRow) conversation() (chat.Conversation, error) {
	c := chat.Conversation{
		ID:        r.ID,
		Type:      chat.ConversationType(r.Type),
		Name:      r.Name,
		AvatarURL: r.AvatarURL,
		Encrypted: r.Encrypted,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Participants), &c.Participants); err != nil {
		return chat.Conversation{}, fmt.Errorf("conversation %q participants: %w", r.ID, err)
	}
	if r.LastMessageID != "" {
		c.LastMessage = &chat.Preview{
			MessageID:   r.LastMessageID,
			SenderID:    r.LastMessageSender,
			Content:     r.LastMessagePreview,
			ContentType: chat.ContentType(r.LastMessageType),
			Timestamp:   fromMillis(r.LastMessageAt),
			ReadByAll:   r.LastReadByAll,
		}
	}
	return c, nil
}

// UpsertConversation inserts or replaces a conversation record.
func (db *DB) UpsertConversation(c chat.Conversation) error {
	row, err := toConversationRow(c)
	if err != nil {
		return fmt.Errorf("encode conversation %q: %w", c.ID, err)
	}
	_, err = db.NamedExec(`
		INSERT INTO conversations (id, type, name, avatar_url, participants, encrypted,
			last_message_id, last_message_sender, last_message_preview, last_message_type,
			last_message_at, last_read_by_all, created_at, updated_at)
		VALUES (:id, :type, :name, :avatar_url, :participants, :encrypted,
			:last_message_id, :last_message_sender, :last_message_preview, :last_message_type,
			:last_message_at, :last_read_by_all, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			participants = excluded.participants,
			encrypted = excluded.encrypted,
			last_message_id = excluded.last_message_id,
			last_message_sender = excluded.last_message_sender,
			last_message_preview = excluded.last_message_preview,
			last_message_type = excluded.last_message_type,
			last_message_at = excluded.last_message_at,
			last_read_by_all = excluded.last_read_by_all,
			created_at = CASE WHEN excluded.created_at != 0 THEN excluded.created_at ELSE conversations.created_at END,
			updated_at = MAX(excluded.updated_at, conversations.updated_at)`, row)
	return err
}

// ListConversations returns conversations, most recently active first.
func (db *DB) ListConversations(limit int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []conversationRow
	if err := db.Select(&rows, `SELECT * FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit); err != nil {
		return nil, err
	}
	out := make([]chat.Conversation, 0, len(rows))
	for _, r := range rows {
		c, err := r.conversation()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetConversation returns a conversation by id, or nil when unknown.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	var r conversationRow
	err := db.Get(&r, `SELECT * FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := r.conversation()
	if err != nil {
		return nil, err
	}
	return &c, nil
}
