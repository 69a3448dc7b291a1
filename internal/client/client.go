// Package client is the typed gRPC client of the slinkd API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/api"
	"github.com/matheus3301/smartlink/internal/assist"
	"github.com/matheus3301/smartlink/internal/chat"
	"github.com/matheus3301/smartlink/internal/contacts"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+service+"/"+method, in, out, grpc.CallContentSubtype(api.CodecName))
}

func stream[Resp any](ctx context.Context, c *Client, service, method string, in any, fn func(*Resp) error) error {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	st, err := c.conn.NewStream(ctx, desc, "/"+service+"/"+method, grpc.CallContentSubtype(api.CodecName))
	if err != nil {
		return err
	}
	if err := st.SendMsg(in); err != nil {
		return err
	}
	if err := st.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(Resp)
		if err := st.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(out); err != nil {
			return err
		}
	}
}

// Healthy runs the standard health check.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Connection

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	out := new(api.StatusResponse)
	return out, c.invoke(ctx, api.ConnectionServiceName, "Status", &api.Empty{}, out)
}

func (c *Client) Connect(ctx context.Context, endpoint string) (*api.StateResponse, error) {
	out := new(api.StateResponse)
	return out, c.invoke(ctx, api.ConnectionServiceName, "Connect", &api.ConnectRequest{Endpoint: endpoint}, out)
}

func (c *Client) Disconnect(ctx context.Context) (*api.StateResponse, error) {
	out := new(api.StateResponse)
	return out, c.invoke(ctx, api.ConnectionServiceName, "Disconnect", &api.Empty{}, out)
}

// Account

func (c *Client) Login(ctx context.Context, req account.LoginRequest) (*api.UserResponse, error) {
	out := new(api.UserResponse)
	return out, c.invoke(ctx, api.AccountServiceName, "Login", &req, out)
}

func (c *Client) Register(ctx context.Context, req account.RegisterRequest) (*api.UserResponse, error) {
	out := new(api.UserResponse)
	return out, c.invoke(ctx, api.AccountServiceName, "SignUp", &req, out)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.invoke(ctx, api.AccountServiceName, "Logout", &api.Empty{}, &api.Empty{})
}

func (c *Client) WhoAmI(ctx context.Context) (*api.UserResponse, error) {
	out := new(api.UserResponse)
	return out, c.invoke(ctx, api.AccountServiceName, "WhoAmI", &api.Empty{}, out)
}

// Conversations

func (c *Client) Conversations(ctx context.Context, cached bool) ([]chat.Conversation, error) {
	out := new(api.ConversationsResponse)
	err := c.invoke(ctx, api.ConversationServiceName, "List", &api.ListConversationsRequest{Cached: cached}, out)
	return out.Conversations, err
}

func (c *Client) Conversation(ctx context.Context, id string) (*chat.Conversation, error) {
	out := new(api.ConversationResponse)
	if err := c.invoke(ctx, api.ConversationServiceName, "Get", &api.ConversationRequest{ID: id}, out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

func (c *Client) CreateConversation(ctx context.Context, req chat.NewConversation) (*chat.Conversation, error) {
	out := new(api.ConversationResponse)
	if err := c.invoke(ctx, api.ConversationServiceName, "Create", &req, out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, members []string) (*chat.Conversation, error) {
	out := new(api.ConversationResponse)
	if err := c.invoke(ctx, api.ConversationServiceName, "CreateGroup", &api.CreateGroupRequest{Name: name, Members: members}, out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

// SetMember adds userID to a group or removes it.
func (c *Client) SetMember(ctx context.Context, conversationID, userID string, member bool) (*chat.Conversation, error) {
	method := "RemoveMember"
	if member {
		method = "AddMember"
	}
	out := new(api.ConversationResponse)
	if err := c.invoke(ctx, api.ConversationServiceName, method, &api.MemberRequest{ConversationID: conversationID, UserID: userID}, out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

func (c *Client) Online(ctx context.Context, conversationID string) ([]string, error) {
	out := new(api.UserIDsResponse)
	err := c.invoke(ctx, api.ConversationServiceName, "Online", &api.ConversationRequest{ID: conversationID}, out)
	return out.UserIDs, err
}

// Messages

func (c *Client) Messages(ctx context.Context, req api.ListMessagesRequest) (*api.MessagesResponse, error) {
	out := new(api.MessagesResponse)
	return out, c.invoke(ctx, api.MessageServiceName, "List", &req, out)
}

func (c *Client) Send(ctx context.Context, req api.SendRequest) (*api.MessageResponse, error) {
	out := new(api.MessageResponse)
	return out, c.invoke(ctx, api.MessageServiceName, "Send", &req, out)
}

func (c *Client) Retry(ctx context.Context, id string, wait bool) (*api.MessageResponse, error) {
	out := new(api.MessageResponse)
	return out, c.invoke(ctx, api.MessageServiceName, "Retry", &api.MessageRequest{ID: id, Wait: wait}, out)
}

func (c *Client) Discard(ctx context.Context, id string) error {
	return c.invoke(ctx, api.MessageServiceName, "Discard", &api.MessageRequest{ID: id}, &api.Empty{})
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) (int, error) {
	out := new(api.CountResponse)
	err := c.invoke(ctx, api.MessageServiceName, "MarkRead", &api.ConversationRequest{ID: conversationID}, out)
	return out.Count, err
}

func (c *Client) Unread(ctx context.Context, conversationID string) (int, error) {
	out := new(api.CountResponse)
	err := c.invoke(ctx, api.MessageServiceName, "Unread", &api.ConversationRequest{ID: conversationID}, out)
	return out.Count, err
}

func (c *Client) Typing(ctx context.Context, conversationID string, typing bool) error {
	return c.invoke(ctx, api.MessageServiceName, "Typing", &api.TypingRequest{ConversationID: conversationID, Typing: typing}, &api.Empty{})
}

func (c *Client) Search(ctx context.Context, query, conversationID string, limit int) ([]chat.Message, error) {
	out := new(api.MessagesResponse)
	err := c.invoke(ctx, api.MessageServiceName, "Search", &api.SearchMessagesRequest{Query: query, ConversationID: conversationID, Limit: limit}, out)
	return out.Messages, err
}

// Watch calls fn for every event until ctx is done or fn fails.
func (c *Client) Watch(ctx context.Context, prefixes []string, fn func(*api.Envelope) error) error {
	return stream(ctx, c, api.MessageServiceName, "Watch", &api.WatchRequest{Prefixes: prefixes}, fn)
}

// Contacts

func (c *Client) Contacts(ctx context.Context) ([]contacts.Contact, error) {
	out := new(api.ContactsResponse)
	err := c.invoke(ctx, api.ContactServiceName, "List", &api.Empty{}, out)
	return out.Contacts, err
}

func (c *Client) Favorites(ctx context.Context) ([]account.User, error) {
	out := new(api.UsersResponse)
	err := c.invoke(ctx, api.ContactServiceName, "Favorites", &api.Empty{}, out)
	return out.Users, err
}

func (c *Client) SetFavorite(ctx context.Context, userID string, favorite bool) error {
	return c.invoke(ctx, api.ContactServiceName, "SetFavorite", &api.FavoriteRequest{UserID: userID, Favorite: favorite}, &api.Empty{})
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]account.User, error) {
	out := new(api.UsersResponse)
	err := c.invoke(ctx, api.ContactServiceName, "SearchUsers", &api.SearchUsersRequest{Query: query}, out)
	return out.Users, err
}

func (c *Client) Requests(ctx context.Context, status contacts.RequestStatus) (*api.RequestsResponse, error) {
	out := new(api.RequestsResponse)
	return out, c.invoke(ctx, api.ContactServiceName, "Requests", &api.RequestsRequest{Status: status}, out)
}

func (c *Client) SendRequest(ctx context.Context, userID string) (*contacts.FriendRequest, error) {
	out := new(api.FriendRequestResponse)
	if err := c.invoke(ctx, api.ContactServiceName, "SendRequest", &api.FriendRequestRequest{UserID: userID}, out); err != nil {
		return nil, err
	}
	return &out.Request, nil
}

// Resolve accepts or rejects a friend request.
func (c *Client) Resolve(ctx context.Context, id string, accept bool) (*contacts.FriendRequest, error) {
	method := "Reject"
	if accept {
		method = "Accept"
	}
	out := new(api.FriendRequestResponse)
	if err := c.invoke(ctx, api.ContactServiceName, method, &api.FriendRequestRequest{ID: id}, out); err != nil {
		return nil, err
	}
	return &out.Request, nil
}

// Assist

func (c *Client) Translate(ctx context.Context, text, from, to string) (string, error) {
	out := new(api.TranslateResponse)
	err := c.invoke(ctx, api.AssistServiceName, "Translate", &api.TranslateRequest{Text: text, From: from, To: to}, out)
	return out.Translated, err
}

// Complete streams completion chunks to fn.
func (c *Client) Complete(ctx context.Context, messages []assist.Message, fn func(string)) error {
	return stream(ctx, c, api.AssistServiceName, "Complete", &api.CompleteRequest{Messages: messages}, func(ch *api.Chunk) error {
		fn(ch.Text)
		return nil
	})
}
