package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/contacts"
)

func (c *Client) SendFriendRequest(ctx context.Context, token, recipientID string) (*contacts.FriendRequest, error) {
	var out contacts.FriendRequest
	in := map[string]string{"recipient_id": recipientID}
	if err := c.do(ctx, call{op: "send_friend_request", method: http.MethodPost, path: "/api/friend-requests", token: token, in: in, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FriendRequests(ctx context.Context, token string) ([]contacts.FriendRequest, error) {
	var out []contacts.FriendRequest
	err := c.do(ctx, call{op: "list_friend_requests", method: http.MethodGet, path: "/api/friend-requests", token: token, out: &out})
	return out, err
}

func (c *Client) AcceptFriendRequest(ctx context.Context, token, id string) (*contacts.FriendRequest, error) {
	return c.resolveRequest(ctx, "accept_friend_request", token, id, "accept")
}

func (c *Client) RejectFriendRequest(ctx context.Context, token, id string) (*contacts.FriendRequest, error) {
	return c.resolveRequest(ctx, "reject_friend_request", token, id, "reject")
}

func (c *Client) resolveRequest(ctx context.Context, op, token, id, action string) (*contacts.FriendRequest, error) {
	var out contacts.FriendRequest
	path := "/api/friend-requests/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, call{op: op, method: http.MethodPost, path: path, token: token, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Contacts(ctx context.Context, token string) ([]contacts.Contact, error) {
	var out []contacts.Contact
	err := c.do(ctx, call{op: "list_contacts", method: http.MethodGet, path: "/api/contacts", token: token, out: &out})
	return out, err
}

func (c *Client) Favorites(ctx context.Context, token string) ([]account.User, error) {
	var out []account.User
	err := c.do(ctx, call{op: "list_favorites", method: http.MethodGet, path: "/api/contacts/favorites", token: token, out: &out})
	return out, err
}

func (c *Client) AddFavorite(ctx context.Context, token, userID string) error {
	return c.do(ctx, call{op: "add_favorite", method: http.MethodPut, path: "/api/contacts/favorites/" + url.PathEscape(userID), token: token})
}

func (c *Client) RemoveFavorite(ctx context.Context, token, userID string) error {
	return c.do(ctx, call{op: "remove_favorite", method: http.MethodDelete, path: "/api/contacts/favorites/" + url.PathEscape(userID), token: token})
}

func (c *Client) SearchUsers(ctx context.Context, token, query string) ([]account.User, error) {
	var out []account.User
	q := url.Values{"q": {query}}
	err := c.do(ctx, call{op: "search_users", method: http.MethodGet, path: "/api/users/search", query: q, token: token, out: &out})
	return out, err
}

var _ contacts.Backend = (*Client)(nil)
