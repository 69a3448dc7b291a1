package api

import (
	"context"
	"encoding/json"

	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/bus"
	"github.com/matheus3301/smartlink/internal/chat"
	"github.com/matheus3301/smartlink/internal/store"
	"google.golang.org/grpc"
)

// MessageService implements the message RPCs and the event stream.
type MessageService struct {
	profile string
	sync    *chat.Synchronizer
	db      *store.DB
	bus     *bus.Bus
}

// NewMessageService creates a new message service. Search reads db.
func NewMessageService(profile string, s *chat.Synchronizer, db *store.DB, b *bus.Bus) *MessageService {
	return &MessageService{profile: profile, sync: s, db: db, bus: b}
}

func (s *MessageService) Register(r grpc.ServiceRegistrar) {
	register(r, MessageServiceName, []grpc.MethodDesc{
		unary(MessageServiceName, "List", s.List),
		unary(MessageServiceName, "Send", s.Send),
		unary(MessageServiceName, "Retry", s.Retry),
		unary(MessageServiceName, "Discard", s.Discard),
		unary(MessageServiceName, "MarkRead", s.MarkRead),
		unary(MessageServiceName, "MarkDelivered", s.MarkDelivered),
		unary(MessageServiceName, "Unread", s.Unread),
		unary(MessageServiceName, "Typing", s.Typing),
		unary(MessageServiceName, "Signal", s.Signal),
		unary(MessageServiceName, "Search", s.Search),
	}, serverStream("Watch", s.Watch))
}

func (s *MessageService) List(ctx context.Context, req *ListMessagesRequest) (*MessagesResponse, error) {
	if req.Cached {
		msgs, err := s.sync.CachedMessages(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return &MessagesResponse{Messages: msgs}, nil
	}
	msgs, err := s.sync.GetMessages(ctx, req.ConversationID, req.Limit, req.BeforeID)
	if err != nil {
		return nil, err
	}
	return &MessagesResponse{Messages: msgs, HasMore: req.Limit > 0 && len(msgs) >= req.Limit}, nil
}

func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*MessageResponse, error) {
	m, d, err := s.sync.SendMessage(ctx, req.SendRequest)
	if err != nil {
		return nil, err
	}
	return settle(ctx, m, d, req.Wait)
}

func (s *MessageService) Retry(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	m, d, err := s.sync.RetryMessage(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return settle(ctx, m, d, req.Wait)
}

// settle optionally waits for the delivery. A failed send is not an RPC
// error: the message carries the Error status.
func settle(ctx context.Context, m chat.Message, d *chat.Delivery, wait bool) (*MessageResponse, error) {
	if !wait {
		return &MessageResponse{Message: m}, nil
	}
	final, err := d.Wait(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	resp := &MessageResponse{Message: final}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

func (s *MessageService) Discard(ctx context.Context, req *MessageRequest) (*Empty, error) {
	if err := s.sync.DiscardMessage(ctx, req.ID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// MarkRead reports a backend failure as the RPC error. The cache keeps the
// read state either way.
func (s *MessageService) MarkRead(ctx context.Context, req *ConversationRequest) (*CountResponse, error) {
	n, err := s.sync.MarkConversationRead(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: n}, nil
}

func (s *MessageService) MarkDelivered(ctx context.Context, req *ConversationRequest) (*CountResponse, error) {
	n, err := s.sync.MarkConversationDelivered(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: n}, nil
}

func (s *MessageService) Unread(ctx context.Context, req *ConversationRequest) (*CountResponse, error) {
	n, err := s.sync.UnreadCount(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: n}, nil
}

func (s *MessageService) Typing(ctx context.Context, req *TypingRequest) (*Empty, error) {
	if err := s.sync.SendTypingIndicator(ctx, req.ConversationID, req.Typing, req.Recipients); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *MessageService) Signal(ctx context.Context, req *SignalRequest) (*Empty, error) {
	var data any
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return nil, apperr.Invalid("send webrtc signal", "signal_data: %v", err)
		}
	}
	sig := chat.Signal{Type: req.Type, Data: data}
	if err := s.sync.SendWebRTCSignal(ctx, req.ConversationID, req.RecipientID, sig); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// Search looks up persisted messages, newest first.
func (s *MessageService) Search(_ context.Context, req *SearchMessagesRequest) (*MessagesResponse, error) {
	if req.Query == "" {
		return nil, apperr.Invalid("search messages", "query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.db.SearchMessages(req.Query, req.ConversationID, limit)
	if err != nil {
		return nil, err
	}
	return &MessagesResponse{Messages: msgs, HasMore: len(msgs) == limit}, nil
}
