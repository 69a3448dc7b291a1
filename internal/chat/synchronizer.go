// Package chat implements the session synchronizer: it keeps a local mirror
// of conversations and messages consistent with the remote backend through
// request/response calls and the push channel, applying optimistic updates
// first and reconciling them when the backend answers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/bus"
	"github.com/matheus3301/smartlink/internal/outbox"
	"github.com/matheus3301/smartlink/internal/push"
	"github.com/matheus3301/smartlink/internal/status"
	"go.uber.org/zap"
)

// ErrStopped is returned by operations on a stopped synchronizer.
var ErrStopped = errors.New("synchronizer stopped")

// ErrSuperseded is returned by GetMessages when a newer request for the same
// conversation was issued before this one's response arrived.
var ErrSuperseded = errors.New("superseded by a newer page request")

// Backend is the remote chat backend. Every call carries the bearer token.
type Backend interface {
	GetConversations(ctx context.Context, token string) ([]Conversation, error)
	GetConversation(ctx context.Context, token, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, token string, req NewConversation) (*Conversation, error)
	AddGroupMember(ctx context.Context, token, conversationID, userID string) (*Conversation, error)
	RemoveGroupMember(ctx context.Context, token, conversationID, userID string) (*Conversation, error)
	SendMessage(ctx context.Context, token string, msg OutgoingMessage) (*Message, error)
	GetMessages(ctx context.Context, token, conversationID string, limit int, beforeID string) ([]Message, error)
	MarkConversationRead(ctx context.Context, token, conversationID string) (int, error)
	MarkConversationDelivered(ctx context.Context, token, conversationID string) (int, error)
}

// Transport opens push links.
type Transport interface {
	Dial(ctx context.Context, endpoint, token, userID string) (push.Link, error)
}

// CredentialSource supplies the session token.
type CredentialSource interface {
	Credentials() (account.Credentials, error)
	Invalidate(reason error)
}

// Outbox runs remote sends off the caller's goroutine.
type Outbox interface {
	Enqueue(job outbox.Job) error
}

// Handler receives push events in arrival order, from a single goroutine.
type Handler func(Event)

// Options tunes a Synchronizer. Zero values take defaults.
type Options struct {
	Endpoint          string
	HandshakeTimeout  time.Duration
	CallTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	EventBuffer       int
	PageSize          int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 15 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	return o
}

const maxPageSize = 200

// Synchronizer owns the push connection and the conversation/message cache
// of one authenticated session.
type Synchronizer struct {
	backend   Backend
	transport Transport
	creds     CredentialSource
	outbox    Outbox
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger
	opts      Options
	now       func() time.Time

	cache  *cache
	writes chan func(*cache)
	events chan Event
	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   []Handler

	connMu         sync.Mutex
	link           push.Link
	linkGen        uint64
	endpoint       string
	wantConnected  bool
	attempts       int
	reconnectTimer *time.Timer
}

// New creates a Synchronizer. Call Start before using it.
func New(backend Backend, transport Transport, creds CredentialSource, ob Outbox, b *bus.Bus, m *status.Machine, logger *zap.Logger, opts Options) *Synchronizer {
	opts = opts.withDefaults()
	life, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		backend:   backend,
		transport: transport,
		creds:     creds,
		outbox:    ob,
		bus:       b,
		machine:   m,
		logger:    logger.Named("chat"),
		opts:      opts,
		now:       time.Now,
		cache:     newCache(),
		writes:    make(chan func(*cache), 64),
		events:    make(chan Event, opts.EventBuffer),
		life:      life,
		cancel:    cancel,
		endpoint:  opts.Endpoint,
	}
}

// Start runs the cache writer and the push dispatch loop until ctx is done or Stop is called.
func (s *Synchronizer) Start(ctx context.Context) {
	context.AfterFunc(ctx, s.cancel)
	s.wg.Add(2)
	go s.writeLoop()
	go s.dispatchLoop()
}

// Stop disconnects and stops the loops.
func (s *Synchronizer) Stop() {
	s.Disconnect()
	s.cancel()
	s.wg.Wait()
}

// OnEvent registers a push event handler.
func (s *Synchronizer) OnEvent(h Handler) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
}

// State returns the connection state.
func (s *Synchronizer) State() status.State {
	return s.machine.Current()
}

func (s *Synchronizer) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.writes:
			fn(s.cache)
		case <-s.life.Done():
			return
		}
	}
}

// do runs fn on the writer goroutine and waits for it. All cache access goes
// through here.
func (s *Synchronizer) do(ctx context.Context, fn func(*cache)) error {
	done := make(chan struct{})
	select {
	case s.writes <- func(c *cache) {
		defer close(done)
		fn(c)
	}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.life.Done():
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-s.life.Done():
		return ErrStopped
	}
}

func (s *Synchronizer) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: s.now(), Payload: payload})
}

func (s *Synchronizer) credentials() (account.Credentials, error) {
	return s.creds.Credentials()
}

// checkAuth drops the session when the backend rejected the token.
func (s *Synchronizer) checkAuth(err error) {
	if apperr.IsAuthentication(err) {
		s.creds.Invalidate(err)
	}
}

// remoteErr keeps typed errors and classifies anything else (timeouts,
// malformed answers) as a failed remote operation.
func remoteErr(op string, err error) error {
	if apperr.IsAuthentication(err) || apperr.IsConnection(err) || apperr.IsRemote(err) || apperr.IsValidation(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &apperr.RemoteOperationError{Op: op, Err: err}
}

func (s *Synchronizer) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.CallTimeout)
}

// Restore seeds the cache from a persisted snapshot. Sends that were still
// pending when the snapshot was taken are marked failed.
func (s *Synchronizer) Restore(ctx context.Context, snap Snapshot) error {
	return s.do(ctx, func(c *cache) {
		for _, conv := range snap.Conversations {
			c.upsertConversation(conv)
		}
		for _, m := range snap.Messages {
			interrupted := m.Provisional && m.DeliveryStatus != StatusError
			if interrupted {
				m.DeliveryStatus = StatusError
				m.LastError = "interrupted before acknowledgment"
			}
			stored, _ := c.insert(m)
			if interrupted {
				s.publish(bus.KindMessageUpserted, stored)
			}
		}
	})
}

// Reset clears the cache, for logout.
func (s *Synchronizer) Reset(ctx context.Context) error {
	return s.do(ctx, func(c *cache) { c.reset() })
}
