package contacts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/bus"
	"go.uber.org/zap/zaptest"
)

type fakeBackend struct {
	calls    []string
	requests []FriendRequest
	users    []account.User
	err      error
}

func (f *fakeBackend) SendFriendRequest(_ context.Context, token, recipientID string) (*FriendRequest, error) {
	f.calls = append(f.calls, "send:"+recipientID)
	if f.err != nil {
		return nil, f.err
	}
	return &FriendRequest{ID: "fr-new", SenderID: "me", RecipientID: recipientID, CreatedAt: time.Now()}, nil
}

func (f *fakeBackend) FriendRequests(context.Context, string) ([]FriendRequest, error) {
	f.calls = append(f.calls, "list")
	return f.requests, f.err
}

func (f *fakeBackend) AcceptFriendRequest(_ context.Context, _, id string) (*FriendRequest, error) {
	f.calls = append(f.calls, "accept:"+id)
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func (f *fakeBackend) RejectFriendRequest(_ context.Context, _, id string) (*FriendRequest, error) {
	f.calls = append(f.calls, "reject:"+id)
	if f.err != nil {
		return nil, f.err
	}
	return &FriendRequest{ID: id, SenderID: "u2", RecipientID: "me", Status: Rejected}, nil
}

func (f *fakeBackend) Contacts(context.Context, string) ([]Contact, error) {
	return []Contact{{User: account.User{ID: "u2"}, Favorite: true}}, f.err
}

func (f *fakeBackend) Favorites(context.Context, string) ([]account.User, error) {
	return []account.User{{ID: "u2"}}, f.err
}

func (f *fakeBackend) AddFavorite(_ context.Context, _, userID string) error {
	f.calls = append(f.calls, "fav+:"+userID)
	return f.err
}

func (f *fakeBackend) RemoveFavorite(_ context.Context, _, userID string) error {
	f.calls = append(f.calls, "fav-:"+userID)
	return f.err
}

func (f *fakeBackend) SearchUsers(_ context.Context, _, query string) ([]account.User, error) {
	f.calls = append(f.calls, "search:"+query)
	return f.users, f.err
}

type memStore map[string]FriendRequest

func (m memStore) UpsertFriendRequest(fr FriendRequest) error {
	if cur, ok := m[fr.ID]; ok && cur.Status != Pending {
		fr.Status = cur.Status
	}
	m[fr.ID] = fr
	return nil
}

func (m memStore) GetFriendRequest(id string) (*FriendRequest, error) {
	fr, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &fr, nil
}

func (m memStore) ListFriendRequests(status RequestStatus) ([]FriendRequest, error) {
	var out []FriendRequest
	for _, fr := range m {
		if status == "" || fr.Status == status {
			out = append(out, fr)
		}
	}
	return out, nil
}

type fakeCreds struct {
	invalidated bool
}

func (c *fakeCreds) Credentials() (account.Credentials, error) {
	if c.invalidated {
		return account.Credentials{}, &apperr.AuthenticationError{Op: "session", Err: apperr.ErrNotAuthenticated}
	}
	return account.Credentials{Token: "tok", User: account.User{ID: "me"}}, nil
}

func (c *fakeCreds) Invalidate(error) { c.invalidated = true }

func newDirectory(t *testing.T) (*Directory, *fakeBackend, memStore, *fakeCreds, *bus.Bus) {
	t.Helper()
	fb := &fakeBackend{}
	st := memStore{}
	creds := &fakeCreds{}
	b := bus.New()
	return NewDirectory(fb, st, creds, b, zaptest.NewLogger(t), time.Second), fb, st, creds, b
}

func TestSendRequestValidation(t *testing.T) {
	d, fb, _, _, _ := newDirectory(t)
	ctx := context.Background()

	for _, recipient := range []string{"", "me"} {
		if _, err := d.SendRequest(ctx, recipient); !apperr.IsValidation(err) {
			t.Errorf("SendRequest(%q) error = %v, want ValidationError", recipient, err)
		}
	}
	if len(fb.calls) != 0 {
		t.Errorf("backend called for invalid input: %v", fb.calls)
	}
}

func TestSendRequestRecordsPending(t *testing.T) {
	d, _, st, _, b := newDirectory(t)
	ch, unsub := b.Subscribe("contact.", 4)
	defer unsub()

	fr, err := d.SendRequest(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Status != Pending || st["fr-new"].Status != Pending {
		t.Errorf("request = %+v, stored = %+v", fr, st["fr-new"])
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindFriendRequest {
			t.Errorf("kind = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus event")
	}
}

func TestRequestResolvedOnce(t *testing.T) {
	d, fb, st, _, _ := newDirectory(t)
	st["fr1"] = FriendRequest{ID: "fr1", SenderID: "u2", RecipientID: "me", Status: Pending}
	ctx := context.Background()

	got, err := d.Accept(ctx, "fr1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != Accepted || got.SenderID != "u2" {
		t.Errorf("Accept() = %+v", got)
	}
	if _, err := d.Reject(ctx, "fr1"); !apperr.IsValidation(err) {
		t.Errorf("Reject() after accept error = %v, want ValidationError", err)
	}
	if _, err := d.Accept(ctx, "fr1"); !apperr.IsValidation(err) {
		t.Errorf("second Accept() error = %v, want ValidationError", err)
	}
	if want := []string{"accept:fr1"}; len(fb.calls) != 1 || fb.calls[0] != want[0] {
		t.Errorf("calls = %v, want %v", fb.calls, want)
	}
	if st["fr1"].Status != Accepted {
		t.Errorf("stored status = %s", st["fr1"].Status)
	}
}

func TestRejectUsesBackendAnswer(t *testing.T) {
	d, _, st, _, _ := newDirectory(t)
	got, err := d.Reject(context.Background(), "fr9")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != Rejected || got.SenderID != "u2" || st["fr9"].Status != Rejected {
		t.Errorf("Reject() = %+v", got)
	}
}

func TestRequestsFallBackToLocal(t *testing.T) {
	d, fb, st, _, _ := newDirectory(t)
	st["fr1"] = FriendRequest{ID: "fr1", SenderID: "u2", RecipientID: "me", Status: Pending}
	fb.err = &apperr.ConnectionError{Op: "list", Err: errors.New("refused")}

	got, err := d.Requests(context.Background(), Pending)
	if !apperr.IsConnection(err) {
		t.Errorf("error = %v, want ConnectionError", err)
	}
	if len(got) != 1 || got[0].ID != "fr1" {
		t.Errorf("local requests = %+v", got)
	}
}

func TestRequestsRefreshStore(t *testing.T) {
	d, fb, st, _, _ := newDirectory(t)
	fb.requests = []FriendRequest{
		{ID: "fr1", SenderID: "u2", RecipientID: "me", Status: Pending},
		{ID: "fr2", SenderID: "u3", RecipientID: "me", Status: Accepted},
	}
	got, err := d.Requests(context.Background(), Pending)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "fr1" {
		t.Errorf("pending = %+v", got)
	}
	if len(st) != 2 {
		t.Errorf("stored %d requests, want 2", len(st))
	}
}

func TestAuthFailureInvalidatesSession(t *testing.T) {
	d, fb, _, creds, _ := newDirectory(t)
	fb.err = &apperr.AuthenticationError{Op: "contacts", Err: errors.New("401")}

	if _, err := d.Contacts(context.Background()); !apperr.IsAuthentication(err) {
		t.Fatalf("error = %v, want AuthenticationError", err)
	}
	if !creds.invalidated {
		t.Error("session not invalidated")
	}
	if _, err := d.Favorites(context.Background()); !apperr.IsAuthentication(err) {
		t.Errorf("call after invalidation error = %v", err)
	}
}

func TestFavoritesAndSearch(t *testing.T) {
	d, fb, _, _, _ := newDirectory(t)
	ctx := context.Background()

	if err := d.SetFavorite(ctx, "u2", true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetFavorite(ctx, "u2", false); err != nil {
		t.Fatal(err)
	}
	if err := d.SetFavorite(ctx, "", true); !apperr.IsValidation(err) {
		t.Errorf("empty user error = %v", err)
	}

	fb.users = []account.User{{ID: "me", Username: "self"}, {ID: "u4", Username: "ana"}}
	users, err := d.SearchUsers(ctx, "  an ")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "u4" {
		t.Errorf("search = %+v", users)
	}
	if _, err := d.SearchUsers(ctx, " "); !apperr.IsValidation(err) {
		t.Errorf("blank query error = %v", err)
	}

	want := []string{"fav+:u2", "fav-:u2", "search:an"}
	if len(fb.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fb.calls, want)
	}
	for i := range want {
		if fb.calls[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, fb.calls[i], want[i])
		}
	}
}
