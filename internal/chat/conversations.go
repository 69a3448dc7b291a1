package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/bus"
)

var errEmptyConversation = errors.New("backend returned no conversation")

// GetConversations refreshes the conversation list from the backend and
// returns the cached list, most recently active first.
func (s *Synchronizer) GetConversations(ctx context.Context) ([]Conversation, error) {
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}
	cctx, cancel := s.callCtx(ctx)
	convs, err := s.backend.GetConversations(cctx, creds.Token)
	cancel()
	if err != nil {
		s.checkAuth(err)
		return nil, remoteErr("get conversations", err)
	}

	var out []Conversation
	err = s.do(ctx, func(c *cache) {
		for _, conv := range convs {
			if conv.ID == "" {
				continue
			}
			s.publish(bus.KindConversationUpserted, c.upsertConversation(conv))
		}
		out = c.conversations()
	})
	return out, err
}

// GetConversation fetches one conversation from the backend and caches it.
func (s *Synchronizer) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if id == "" {
		return Conversation{}, apperr.Invalid("get conversation", "id is required")
	}
	creds, err := s.credentials()
	if err != nil {
		return Conversation{}, err
	}
	cctx, cancel := s.callCtx(ctx)
	conv, err := s.backend.GetConversation(cctx, creds.Token, id)
	cancel()
	if err != nil {
		s.checkAuth(err)
		return Conversation{}, remoteErr("get conversation", err)
	}
	return s.storeConversation(ctx, conv, id)
}

func (s *Synchronizer) storeConversation(ctx context.Context, conv *Conversation, wantID string) (Conversation, error) {
	if conv == nil || conv.ID == "" {
		return Conversation{}, &apperr.RemoteOperationError{Op: "get conversation", Err: errEmptyConversation}
	}
	if wantID != "" && conv.ID != wantID {
		return Conversation{}, &apperr.RemoteOperationError{Op: "get conversation", Err: fmt.Errorf("backend returned conversation %q, want %q", conv.ID, wantID)}
	}
	var out Conversation
	err := s.do(ctx, func(c *cache) {
		out = c.upsertConversation(*conv)
		s.publish(bus.KindConversationUpserted, out)
	})
	return out, err
}

// CreateConversation creates a conversation. The user is added to the
// participants when missing. Direct conversations have exactly two
// participants and groups at least two.
func (s *Synchronizer) CreateConversation(ctx context.Context, req NewConversation) (Conversation, error) {
	creds, err := s.credentials()
	if err != nil {
		return Conversation{}, err
	}
	if req.Type == "" {
		req.Type = Direct
	}
	if !slices.Contains(req.Participants, creds.User.ID) {
		req.Participants = append([]string{creds.User.ID}, req.Participants...)
	}
	if err := apperr.Validate("create conversation", req); err != nil {
		return Conversation{}, err
	}
	if req.Type == Direct && len(req.Participants) != 2 {
		return Conversation{}, apperr.Invalid("create conversation", "direct conversations have exactly 2 participants, got %d", len(req.Participants))
	}

	cctx, cancel := s.callCtx(ctx)
	conv, err := s.backend.CreateConversation(cctx, creds.Token, req)
	cancel()
	if err != nil {
		s.checkAuth(err)
		return Conversation{}, remoteErr("create conversation", err)
	}
	return s.storeConversation(ctx, conv, "")
}

// CreateGroup creates a named group with the user and members.
func (s *Synchronizer) CreateGroup(ctx context.Context, name string, members []string) (Conversation, error) {
	return s.CreateConversation(ctx, NewConversation{Type: Group, Name: name, Participants: members})
}

// AddGroupMember adds userID to a group conversation.
func (s *Synchronizer) AddGroupMember(ctx context.Context, conversationID, userID string) (Conversation, error) {
	return s.changeMembers(ctx, "add group member", conversationID, userID, s.backend.AddGroupMember)
}

// RemoveGroupMember removes userID from a group conversation.
func (s *Synchronizer) RemoveGroupMember(ctx context.Context, conversationID, userID string) (Conversation, error) {
	return s.changeMembers(ctx, "remove group member", conversationID, userID, s.backend.RemoveGroupMember)
}

type memberCall func(ctx context.Context, token, conversationID, userID string) (*Conversation, error)

func (s *Synchronizer) changeMembers(ctx context.Context, op, conversationID, userID string, call memberCall) (Conversation, error) {
	if conversationID == "" || userID == "" {
		return Conversation{}, apperr.Invalid(op, "conversation_id and user_id are required")
	}
	creds, err := s.credentials()
	if err != nil {
		return Conversation{}, err
	}
	var (
		cached Conversation
		known  bool
	)
	if err := s.do(ctx, func(c *cache) { cached, known = c.conversation(conversationID) }); err != nil {
		return Conversation{}, err
	}
	if known && cached.Type != Group {
		return Conversation{}, apperr.Invalid(op, "conversation %q is not a group", conversationID)
	}

	cctx, cancel := s.callCtx(ctx)
	conv, err := call(cctx, creds.Token, conversationID, userID)
	cancel()
	if err != nil {
		s.checkAuth(err)
		return Conversation{}, remoteErr(op, err)
	}
	return s.storeConversation(ctx, conv, conversationID)
}

// Conversations returns the cached conversations, most recently active first.
func (s *Synchronizer) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := s.do(ctx, func(c *cache) { out = c.conversations() })
	return out, err
}

// CachedConversation returns a cached conversation without a remote call.
func (s *Synchronizer) CachedConversation(ctx context.Context, id string) (Conversation, bool, error) {
	var (
		out Conversation
		ok  bool
	)
	err := s.do(ctx, func(c *cache) { out, ok = c.conversation(id) })
	return out, ok, err
}

// OnlineParticipants returns the participants of a conversation last seen online.
func (s *Synchronizer) OnlineParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var out []string
	err := s.do(ctx, func(c *cache) { out = c.online(conversationID) })
	return out, err
}
