package api

import (
	"context"

	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/contacts"
	"google.golang.org/grpc"
)

// ContactService implements the contacts and friend request RPCs.
type ContactService struct {
	dir *contacts.Directory
}

// NewContactService creates a new contact service.
func NewContactService(dir *contacts.Directory) *ContactService {
	return &ContactService{dir: dir}
}

func (s *ContactService) Register(r grpc.ServiceRegistrar) {
	register(r, ContactServiceName, []grpc.MethodDesc{
		unary(ContactServiceName, "List", s.List),
		unary(ContactServiceName, "Favorites", s.Favorites),
		unary(ContactServiceName, "SetFavorite", s.SetFavorite),
		unary(ContactServiceName, "SearchUsers", s.SearchUsers),
		unary(ContactServiceName, "Requests", s.Requests),
		unary(ContactServiceName, "SendRequest", s.SendRequest),
		unary(ContactServiceName, "Accept", s.Accept),
		unary(ContactServiceName, "Reject", s.Reject),
	})
}

func (s *ContactService) List(ctx context.Context, _ *Empty) (*ContactsResponse, error) {
	list, err := s.dir.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	return &ContactsResponse{Contacts: list}, nil
}

func (s *ContactService) Favorites(ctx context.Context, _ *Empty) (*UsersResponse, error) {
	users, err := s.dir.Favorites(ctx)
	if err != nil {
		return nil, err
	}
	return &UsersResponse{Users: users}, nil
}

func (s *ContactService) SetFavorite(ctx context.Context, req *FavoriteRequest) (*Empty, error) {
	if err := s.dir.SetFavorite(ctx, req.UserID, req.Favorite); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *ContactService) SearchUsers(ctx context.Context, req *SearchUsersRequest) (*UsersResponse, error) {
	users, err := s.dir.SearchUsers(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return &UsersResponse{Users: users}, nil
}

// Requests falls back to the local list when the backend is unreachable.
func (s *ContactService) Requests(ctx context.Context, req *RequestsRequest) (*RequestsResponse, error) {
	list, err := s.dir.Requests(ctx, req.Status)
	if err != nil {
		if apperr.IsConnection(err) && list != nil {
			return &RequestsResponse{Requests: list, Stale: err.Error()}, nil
		}
		return nil, err
	}
	return &RequestsResponse{Requests: list}, nil
}

func (s *ContactService) SendRequest(ctx context.Context, req *FriendRequestRequest) (*FriendRequestResponse, error) {
	fr, err := s.dir.SendRequest(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &FriendRequestResponse{Request: fr}, nil
}

func (s *ContactService) Accept(ctx context.Context, req *FriendRequestRequest) (*FriendRequestResponse, error) {
	fr, err := s.dir.Accept(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &FriendRequestResponse{Request: fr}, nil
}

func (s *ContactService) Reject(ctx context.Context, req *FriendRequestRequest) (*FriendRequestResponse, error) {
	fr, err := s.dir.Reject(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &FriendRequestResponse{Request: fr}, nil
}
