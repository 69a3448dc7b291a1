package api

import (
	"context"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/chat"
	"github.com/matheus3301/smartlink/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Pending reports the number of queued sends.
type Pending interface {
	Pending() int
}

// Checkpoints reports sync progress.
type Checkpoints interface {
	LastEventAt() (time.Time, bool)
}

// ConnectionService reports and drives the push connection.
type ConnectionService struct {
	profile     string
	startedAt   time.Time
	machine     *status.Machine
	sync        *chat.Synchronizer
	session     *account.Session
	outbox      Pending
	checkpoints Checkpoints
}

// NewConnectionService creates a new connection service. ob and cp may be nil.
func NewConnectionService(profile string, machine *status.Machine, s *chat.Synchronizer, session *account.Session, ob Pending, cp Checkpoints) *ConnectionService {
	return &ConnectionService{
		profile:     profile,
		startedAt:   time.Now(),
		machine:     machine,
		sync:        s,
		session:     session,
		outbox:      ob,
		checkpoints: cp,
	}
}

func (s *ConnectionService) Register(r grpc.ServiceRegistrar) {
	register(r, ConnectionServiceName, []grpc.MethodDesc{
		unary(ConnectionServiceName, "Status", s.Status),
		unary(ConnectionServiceName, "Connect", s.Connect),
		unary(ConnectionServiceName, "Disconnect", s.Disconnect),
	})
}

func (s *ConnectionService) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Profile:  s.profile,
		State:    string(s.machine.Current()),
		Since:    s.machine.Since(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if creds, err := s.session.Credentials(); err == nil {
		resp.UserID = creds.User.ID
	}
	if convs, err := s.sync.Conversations(ctx); err == nil {
		resp.Conversations = len(convs)
	}
	if s.outbox != nil {
		resp.PendingSends = s.outbox.Pending()
	}
	if s.checkpoints != nil {
		if at, ok := s.checkpoints.LastEventAt(); ok {
			resp.LastEventAt = at
		}
	}
	return resp, nil
}

func (s *ConnectionService) Connect(ctx context.Context, req *ConnectRequest) (*StateResponse, error) {
	if err := s.sync.Connect(ctx, req.Endpoint); err != nil {
		return nil, err
	}
	return &StateResponse{State: string(s.machine.Current())}, nil
}

func (s *ConnectionService) Disconnect(_ context.Context, _ *Empty) (*StateResponse, error) {
	s.sync.Disconnect()
	return &StateResponse{State: string(s.machine.Current())}, nil
}

// Clearer wipes locally persisted session data.
type Clearer interface {
	Clear() error
}

// AccountService handles login, registration and logout.
type AccountService struct {
	session *account.Session
	sync    *chat.Synchronizer
	local   Clearer
	logger  *zap.Logger
}

// NewAccountService creates a new account service. local may be nil.
func NewAccountService(session *account.Session, s *chat.Synchronizer, local Clearer, logger *zap.Logger) *AccountService {
	return &AccountService{session: session, sync: s, local: local, logger: logger.Named("api")}
}

func (s *AccountService) Register(r grpc.ServiceRegistrar) {
	register(r, AccountServiceName, []grpc.MethodDesc{
		unary(AccountServiceName, "Login", s.Login),
		unary(AccountServiceName, "SignUp", s.SignUp),
		unary(AccountServiceName, "Logout", s.Logout),
		unary(AccountServiceName, "WhoAmI", s.WhoAmI),
	})
}

func (s *AccountService) Login(ctx context.Context, req *account.LoginRequest) (*UserResponse, error) {
	_, err := s.session.Login(ctx, *req)
	if err != nil {
		return nil, err
	}
	s.autoConnect()
	return s.WhoAmI(ctx, &Empty{})
}

func (s *AccountService) SignUp(ctx context.Context, req *account.RegisterRequest) (*UserResponse, error) {
	if _, err := s.session.Register(ctx, *req); err != nil {
		return nil, err
	}
	s.autoConnect()
	return s.WhoAmI(ctx, &Empty{})
}

// autoConnect opens the push channel in the background after a login.
func (s *AccountService) autoConnect() {
	go func() {
		if err := s.sync.Connect(context.Background(), ""); err != nil {
			s.logger.Warn("connect after login failed", zap.Error(err))
		}
	}()
}

// Logout closes the push channel, forgets the token and drops the cached
// conversations both in memory and on disk.
func (s *AccountService) Logout(ctx context.Context, _ *Empty) (*Empty, error) {
	s.sync.Disconnect()
	if err := s.sync.Reset(ctx); err != nil {
		return nil, err
	}
	s.session.Logout()
	if s.local != nil {
		if err := s.local.Clear(); err != nil {
			s.logger.Warn("failed to clear local data", zap.Error(err))
		}
	}
	return &Empty{}, nil
}

func (s *AccountService) WhoAmI(_ context.Context, _ *Empty) (*UserResponse, error) {
	creds, err := s.session.Credentials()
	if err != nil {
		return nil, err
	}
	return &UserResponse{User: creds.User, ExpiresAt: creds.ExpiresAt}, nil
}
