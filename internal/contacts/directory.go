// Package contacts manages friend requests, the address book and favorites.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/bus"
	"go.uber.org/zap"
)

// Backend is the remote contacts API.
type Backend interface {
	SendFriendRequest(ctx context.Context, token, recipientID string) (*FriendRequest, error)
	FriendRequests(ctx context.Context, token string) ([]FriendRequest, error)
	AcceptFriendRequest(ctx context.Context, token, id string) (*FriendRequest, error)
	RejectFriendRequest(ctx context.Context, token, id string) (*FriendRequest, error)
	Contacts(ctx context.Context, token string) ([]Contact, error)
	Favorites(ctx context.Context, token string) ([]account.User, error)
	AddFavorite(ctx context.Context, token, userID string) error
	RemoveFavorite(ctx context.Context, token, userID string) error
	SearchUsers(ctx context.Context, token, query string) ([]account.User, error)
}

// Store persists friend requests locally.
type Store interface {
	UpsertFriendRequest(fr FriendRequest) error
	GetFriendRequest(id string) (*FriendRequest, error)
	ListFriendRequests(status RequestStatus) ([]FriendRequest, error)
}

// CredentialSource supplies the session token.
type CredentialSource interface {
	Credentials() (account.Credentials, error)
	Invalidate(reason error)
}

// Directory is the contacts facade used by the daemon API.
type Directory struct {
	backend Backend
	store   Store
	creds   CredentialSource
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration
}

// NewDirectory creates a Directory. timeout bounds every backend call.
func NewDirectory(b Backend, st Store, creds CredentialSource, eb *bus.Bus, logger *zap.Logger, timeout time.Duration) *Directory {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Directory{
		backend: b,
		store:   st,
		creds:   creds,
		bus:     eb,
		logger:  logger.Named("contacts"),
		timeout: timeout,
	}
}

func (d *Directory) token() (account.Credentials, error) {
	return d.creds.Credentials()
}

func (d *Directory) failed(op string, err error) error {
	if apperr.IsAuthentication(err) {
		d.creds.Invalidate(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// record persists a request and announces it on the bus.
func (d *Directory) record(fr FriendRequest) {
	if err := d.store.UpsertFriendRequest(fr); err != nil {
		d.logger.Warn("failed to persist friend request", zap.String("id", fr.ID), zap.Error(err))
	}
	if d.bus != nil {
		d.bus.Publish(bus.Event{Kind: bus.KindFriendRequest, Timestamp: time.Now(), Payload: fr})
	}
}

// SendRequest asks recipientID to become a contact.
func (d *Directory) SendRequest(ctx context.Context, recipientID string) (FriendRequest, error) {
	if err := apperr.Validate("send friend request", sendRequest{RecipientID: recipientID}); err != nil {
		return FriendRequest{}, err
	}
	creds, err := d.token()
	if err != nil {
		return FriendRequest{}, err
	}
	if recipientID == creds.User.ID {
		return FriendRequest{}, apperr.Invalid("send friend request", "cannot send a friend request to yourself")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	fr, err := d.backend.SendFriendRequest(ctx, creds.Token, recipientID)
	if err != nil {
		return FriendRequest{}, d.failed("send friend request", err)
	}
	if fr == nil || fr.ID == "" {
		return FriendRequest{}, &apperr.RemoteOperationError{Op: "send friend request", Err: errors.New("backend returned no request")}
	}
	if fr.Status == "" {
		fr.Status = Pending
	}
	d.record(*fr)
	return *fr, nil
}

// Requests refreshes the friend requests from the backend. When the backend
// is unreachable the locally known requests are returned with the error.
func (d *Directory) Requests(ctx context.Context, status RequestStatus) ([]FriendRequest, error) {
	creds, err := d.token()
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	fetched, err := d.backend.FriendRequests(cctx, creds.Token)
	cancel()
	if err != nil {
		local, lerr := d.store.ListFriendRequests(status)
		if lerr != nil {
			d.logger.Warn("failed to list local friend requests", zap.Error(lerr))
		}
		return local, d.failed("list friend requests", err)
	}
	for _, fr := range fetched {
		if fr.ID == "" {
			continue
		}
		if err := d.store.UpsertFriendRequest(fr); err != nil {
			d.logger.Warn("failed to persist friend request", zap.String("id", fr.ID), zap.Error(err))
		}
	}
	return d.store.ListFriendRequests(status)
}

// Accept accepts a pending request addressed to the user.
func (d *Directory) Accept(ctx context.Context, id string) (FriendRequest, error) {
	return d.resolve(ctx, id, Accepted, d.backend.AcceptFriendRequest)
}

// Reject rejects a pending request addressed to the user.
func (d *Directory) Reject(ctx context.Context, id string) (FriendRequest, error) {
	return d.resolve(ctx, id, Rejected, d.backend.RejectFriendRequest)
}

type resolveCall func(ctx context.Context, token, id string) (*FriendRequest, error)

func (d *Directory) resolve(ctx context.Context, id string, to RequestStatus, call resolveCall) (FriendRequest, error) {
	op := "resolve friend request"
	if id == "" {
		return FriendRequest{}, apperr.Invalid(op, "id is required")
	}
	creds, err := d.token()
	if err != nil {
		return FriendRequest{}, err
	}
	known, err := d.store.GetFriendRequest(id)
	if err != nil {
		return FriendRequest{}, fmt.Errorf("%s: %w", op, err)
	}
	if known != nil {
		if known.Status != Pending {
			return *known, apperr.Invalid(op, "request %q is already %s", id, known.Status)
		}
		if known.RecipientID != "" && known.RecipientID != creds.User.ID {
			return *known, apperr.Invalid(op, "request %q is not addressed to you", id)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	fr, err := call(ctx, creds.Token, id)
	if err != nil {
		return FriendRequest{}, d.failed(op, err)
	}
	var out FriendRequest
	switch {
	case fr != nil && fr.ID != "":
		out = *fr
	case known != nil:
		out = *known
	default:
		out = FriendRequest{ID: id, RecipientID: creds.User.ID}
	}
	out.Status = to
	d.record(out)
	return out, nil
}

// Contacts lists the user's contacts, favorites flagged.
func (d *Directory) Contacts(ctx context.Context) ([]Contact, error) {
	creds, err := d.token()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	list, err := d.backend.Contacts(ctx, creds.Token)
	if err != nil {
		return nil, d.failed("list contacts", err)
	}
	return list, nil
}

// Favorites lists the favorite contacts.
func (d *Directory) Favorites(ctx context.Context) ([]account.User, error) {
	creds, err := d.token()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	list, err := d.backend.Favorites(ctx, creds.Token)
	if err != nil {
		return nil, d.failed("list favorites", err)
	}
	return list, nil
}

// SetFavorite adds userID to or removes it from the favorites.
func (d *Directory) SetFavorite(ctx context.Context, userID string, favorite bool) error {
	if userID == "" {
		return apperr.Invalid("set favorite", "user_id is required")
	}
	creds, err := d.token()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if favorite {
		err = d.backend.AddFavorite(ctx, creds.Token, userID)
	} else {
		err = d.backend.RemoveFavorite(ctx, creds.Token, userID)
	}
	if err != nil {
		return d.failed("set favorite", err)
	}
	return nil
}

// SearchUsers finds users by username, display name or email.
func (d *Directory) SearchUsers(ctx context.Context, query string) ([]account.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Invalid("search users", "query is required")
	}
	creds, err := d.token()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	users, err := d.backend.SearchUsers(ctx, creds.Token, query)
	if err != nil {
		return nil, d.failed("search users", err)
	}
	// The backend may include the caller.
	out := users[:0]
	for _, u := range users {
		if u.ID != creds.User.ID {
			out = append(out, u)
		}
	}
	return out, nil
}
