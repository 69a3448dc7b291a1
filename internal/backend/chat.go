package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/smartlink/internal/chat"
)

func (c *Client) GetConversations(ctx context.Context, token string) ([]chat.Conversation, error) {
	var out []chat.Conversation
	err := c.do(ctx, call{op: "get_conversations", method: http.MethodGet, path: "/api/conversations", token: token, out: &out})
	return out, err
}

func (c *Client) GetConversation(ctx context.Context, token, id string) (*chat.Conversation, error) {
	var out chat.Conversation
	err := c.do(ctx, call{op: "get_conversation", method: http.MethodGet, path: "/api/conversations/" + url.PathEscape(id), token: token, out: &out})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateConversation(ctx context.Context, token string, req chat.NewConversation) (*chat.Conversation, error) {
	var out chat.Conversation
	err := c.do(ctx, call{op: "create_conversation", method: http.MethodPost, path: "/api/conversations", token: token, in: req, out: &out})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AddGroupMember(ctx context.Context, token, conversationID, userID string) (*chat.Conversation, error) {
	return c.member(ctx, "add_group_member", http.MethodPost, token, conversationID, userID)
}

func (c *Client) RemoveGroupMember(ctx context.Context, token, conversationID, userID string) (*chat.Conversation, error) {
	return c.member(ctx, "remove_group_member", http.MethodDelete, token, conversationID, userID)
}

func (c *Client) member(ctx context.Context, op, method, token, conversationID, userID string) (*chat.Conversation, error) {
	var out chat.Conversation
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/members/" + url.PathEscape(userID)
	if err := c.do(ctx, call{op: op, method: method, path: path, token: token, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendMessage(ctx context.Context, token string, msg chat.OutgoingMessage) (*chat.Message, error) {
	var out chat.Message
	path := "/api/conversations/" + url.PathEscape(msg.ConversationID) + "/messages"
	if err := c.do(ctx, call{op: "send_message", method: http.MethodPost, path: path, token: token, in: msg, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMessages(ctx context.Context, token, conversationID string, limit int, beforeID string) ([]chat.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	var out []chat.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.do(ctx, call{op: "get_messages", method: http.MethodGet, path: path, query: q, token: token, out: &out})
	return out, err
}

type countResponse struct {
	Count int `json:"count"`
}

func (c *Client) MarkConversationRead(ctx context.Context, token, conversationID string) (int, error) {
	var out countResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	err := c.do(ctx, call{op: "mark_read", method: http.MethodPost, path: path, token: token, out: &out})
	return out.Count, err
}

func (c *Client) MarkConversationDelivered(ctx context.Context, token, conversationID string) (int, error) {
	var out countResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/delivered"
	err := c.do(ctx, call{op: "mark_delivered", method: http.MethodPost, path: path, token: token, out: &out})
	return out.Count, err
}

// UnreadCount returns the backend's unread total across conversations.
func (c *Client) UnreadCount(ctx context.Context, token string) (int, error) {
	var out countResponse
	err := c.do(ctx, call{op: "unread_count", method: http.MethodGet, path: "/api/unread-count", token: token, out: &out})
	return out.Count, err
}

var _ chat.Backend = (*Client)(nil)
