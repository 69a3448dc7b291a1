package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/matheus3301/smartlink/internal/apperr"
	"go.uber.org/zap"
)

type mockBackend struct {
	result *AuthResult
	err    error
	logins []LoginRequest
}

func (m *mockBackend) Login(_ context.Context, req LoginRequest) (*AuthResult, error) {
	m.logins = append(m.logins, req)
	return m.result, m.err
}

func (m *mockBackend) Register(_ context.Context, req RegisterRequest) (*AuthResult, error) {
	return m.result, m.err
}

type memStore map[string]string

func (m memStore) PutState(k, v string) error { m[k] = v; return nil }
func (m memStore) GetState(k string) (string, error) {
	v, ok := m[k]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}
func (m memStore) DeleteState(k string) error { delete(m, k); return nil }

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestInspectToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, ok := InspectToken(signedToken(t, "u1", exp))
	if !ok {
		t.Fatal("InspectToken() ok = false for a JWT")
	}
	if claims.Subject != "u1" || !claims.ExpiresAt.Equal(exp) {
		t.Errorf("claims = %+v", claims)
	}

	if _, ok := InspectToken("opaque-token"); ok {
		t.Error("opaque token parsed as JWT")
	}
}

func TestCredentialsRequireLogin(t *testing.T) {
	s := NewSession(&mockBackend{}, nil, zap.NewNop())
	_, err := s.Credentials()
	if !apperr.IsAuthentication(err) || !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("Credentials() error = %v, want AuthenticationError", err)
	}
}

func TestLoginValidatesBeforeNetwork(t *testing.T) {
	b := &mockBackend{}
	s := NewSession(b, nil, zap.NewNop())
	_, err := s.Login(context.Background(), LoginRequest{Email: "not-an-email"})
	if !apperr.IsValidation(err) {
		t.Fatalf("Login() error = %v, want ValidationError", err)
	}
	if len(b.logins) != 0 {
		t.Errorf("backend called %d times, want 0", len(b.logins))
	}
}

func TestLoginStoresAndRestores(t *testing.T) {
	store := memStore{}
	tok := signedToken(t, "u1", time.Now().Add(time.Hour))
	b := &mockBackend{result: &AuthResult{Token: tok, User: User{Username: "ana"}}}
	s := NewSession(b, store, zap.NewNop())

	user, err := s.Login(context.Background(), LoginRequest{Email: "ana@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if user.ID != "u1" {
		t.Errorf("user id = %q, want u1 (from token subject)", user.ID)
	}

	restored := NewSession(b, store, zap.NewNop())
	ok, err := restored.Restore()
	if err != nil || !ok {
		t.Fatalf("Restore() = %v, %v", ok, err)
	}
	creds, err := restored.Credentials()
	if err != nil {
		t.Fatal(err)
	}
	if creds.Token != tok {
		t.Error("restored token mismatch")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	tok := signedToken(t, "u1", time.Now().Add(time.Minute))
	b := &mockBackend{result: &AuthResult{Token: tok}}
	s := NewSession(b, nil, zap.NewNop())
	if _, err := s.Login(context.Background(), LoginRequest{Email: "a@b.co", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := s.Credentials(); !apperr.IsAuthentication(err) {
		t.Errorf("Credentials() error = %v, want AuthenticationError", err)
	}
}

func TestRestoreDropsExpired(t *testing.T) {
	store := memStore{}
	tok := signedToken(t, "u1", time.Now().Add(-time.Minute))
	s := NewSession(&mockBackend{}, store, zap.NewNop())
	s.persist(Credentials{Token: tok, User: User{ID: "u1"}, ExpiresAt: time.Now().Add(-time.Minute)})

	ok, err := s.Restore()
	if err != nil || ok {
		t.Fatalf("Restore() = %v, %v, want false", ok, err)
	}
	if _, present := store[credentialsKey]; present {
		t.Error("expired credentials left in store")
	}
}

func TestInvalidateAndLogout(t *testing.T) {
	store := memStore{}
	b := &mockBackend{result: &AuthResult{Token: "opaque", User: User{ID: "u1"}}}
	s := NewSession(b, store, zap.NewNop())
	if _, err := s.Login(context.Background(), LoginRequest{Email: "a@b.co", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	s.Invalidate(errors.New("401"))
	if _, err := s.Credentials(); err == nil {
		t.Error("credentials still present after Invalidate")
	}

	if _, err := s.Login(context.Background(), LoginRequest{Email: "a@b.co", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	s.Logout()
	if len(store) != 0 {
		t.Errorf("store = %v, want empty after logout", store)
	}
}
