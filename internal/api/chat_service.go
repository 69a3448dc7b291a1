package api

import (
	"context"
	"fmt"

	"github.com/matheus3301/smartlink/internal/chat"
	"google.golang.org/grpc"
)

// ConversationService implements the conversation RPCs.
type ConversationService struct {
	sync *chat.Synchronizer
}

// NewConversationService creates a new conversation service.
func NewConversationService(s *chat.Synchronizer) *ConversationService {
	return &ConversationService{sync: s}
}

func (s *ConversationService) Register(r grpc.ServiceRegistrar) {
	register(r, ConversationServiceName, []grpc.MethodDesc{
		unary(ConversationServiceName, "List", s.List),
		unary(ConversationServiceName, "Get", s.Get),
		unary(ConversationServiceName, "Create", s.Create),
		unary(ConversationServiceName, "CreateGroup", s.CreateGroup),
		unary(ConversationServiceName, "AddMember", s.AddMember),
		unary(ConversationServiceName, "RemoveMember", s.RemoveMember),
		unary(ConversationServiceName, "Online", s.Online),
	})
}

func (s *ConversationService) List(ctx context.Context, req *ListConversationsRequest) (*ConversationsResponse, error) {
	var (
		convs []chat.Conversation
		err   error
	)
	if req.Cached {
		convs, err = s.sync.Conversations(ctx)
	} else {
		convs, err = s.sync.GetConversations(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &ConversationsResponse{Conversations: convs}, nil
}

// Get answers from the cache and falls back to the backend.
func (s *ConversationService) Get(ctx context.Context, req *ConversationRequest) (*ConversationResponse, error) {
	conv, ok, err := s.sync.CachedConversation(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if conv, err = s.sync.GetConversation(ctx, req.ID); err != nil {
			return nil, err
		}
	}
	return &ConversationResponse{Conversation: conv}, nil
}

func (s *ConversationService) Create(ctx context.Context, req *chat.NewConversation) (*ConversationResponse, error) {
	conv, err := s.sync.CreateConversation(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &ConversationResponse{Conversation: conv}, nil
}

func (s *ConversationService) CreateGroup(ctx context.Context, req *CreateGroupRequest) (*ConversationResponse, error) {
	conv, err := s.sync.CreateGroup(ctx, req.Name, req.Members)
	if err != nil {
		return nil, err
	}
	return &ConversationResponse{Conversation: conv}, nil
}

func (s *ConversationService) AddMember(ctx context.Context, req *MemberRequest) (*ConversationResponse, error) {
	conv, err := s.sync.AddGroupMember(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}
	return &ConversationResponse{Conversation: conv}, nil
}

func (s *ConversationService) RemoveMember(ctx context.Context, req *MemberRequest) (*ConversationResponse, error) {
	conv, err := s.sync.RemoveGroupMember(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}
	return &ConversationResponse{Conversation: conv}, nil
}

func (s *ConversationService) Online(ctx context.Context, req *ConversationRequest) (*UserIDsResponse, error) {
	_, ok, err := s.sync.CachedConversation(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", req.ID, errNotFound)
	}
	ids, err := s.sync.OnlineParticipants(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &UserIDsResponse{UserIDs: ids}, nil
}
