package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/bus"
	"github.com/matheus3301/smartlink/internal/metrics"
	"github.com/matheus3301/smartlink/internal/outbox"
	"go.uber.org/zap"
)

// Delivery tracks the outcome of one send.
type Delivery struct {
	done chan struct{}
	msg  Message
	err  error
}

func newDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

func (d *Delivery) resolve(m Message, err error) {
	d.msg, d.err = m, err
	close(d.done)
}

// Done is closed once the send is acknowledged or has failed.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until the send completes and returns the reconciled message,
// or the failed message and the failure.
func (d *Delivery) Wait(ctx context.Context) (Message, error) {
	select {
	case <-d.done:
		return d.msg, d.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// SendMessage inserts a provisional message into the cache and queues the
// remote send. The returned message is the provisional one; Delivery reports
// the reconciled message or the failure.
func (s *Synchronizer) SendMessage(ctx context.Context, req SendRequest) (Message, *Delivery, error) {
	if req.ContentType == "" {
		req.ContentType = Text
	}
	if err := apperr.Validate("send message", req); err != nil {
		return Message{}, nil, err
	}
	creds, err := s.credentials()
	if err != nil {
		return Message{}, nil, err
	}

	corr := uuid.NewString()
	msg := Message{
		ID:             "tmp-" + corr,
		CorrelationID:  corr,
		ConversationID: req.ConversationID,
		SenderID:       creds.User.ID,
		Content:        req.Content,
		ContentType:    req.ContentType,
		MediaURL:       req.MediaURL,
		Timestamp:      s.now(),
		DeliveryStatus: StatusSent,
		Provisional:    true,
	}
	var stored Message
	err = s.do(ctx, func(c *cache) {
		stored, _ = c.insert(msg)
		s.publish(bus.KindMessageUpserted, stored)
	})
	if err != nil {
		return Message{}, nil, err
	}

	d := newDelivery()
	s.enqueueSend(stored, creds.Token, d)
	return stored, d, nil
}

func (s *Synchronizer) enqueueSend(m Message, token string, d *Delivery) {
	var confirmed *Message
	job := outbox.Job{
		ClientMsgID:    m.CorrelationID,
		ConversationID: m.ConversationID,
		Body:           m.Content,
		Deliver: func(ctx context.Context) (string, error) {
			out := OutgoingMessage{
				ConversationID: m.ConversationID,
				Content:        m.Content,
				ContentType:    m.ContentType,
				MediaURL:       m.MediaURL,
			}
			got, err := s.backend.SendMessage(ctx, token, out)
			if err != nil {
				return "", err
			}
			if got == nil || got.ID == "" {
				return "", errors.New("backend acknowledged without a message id")
			}
			confirmed = got
			return got.ID, nil
		},
		Done: func(_ string, err error) {
			if err != nil {
				s.failSend(m, err, d)
				return
			}
			s.completeSend(m, *confirmed, d)
		},
	}
	if err := s.outbox.Enqueue(job); err != nil {
		s.failSend(m, err, d)
	}
}

func (s *Synchronizer) completeSend(m Message, confirmed Message, d *Delivery) {
	var (
		stored  Message
		dropped []Message
		ok      bool
	)
	err := s.do(s.life, func(c *cache) {
		stored, dropped, ok = c.reconcile(m.ConversationID, m.CorrelationID, confirmed)
		if !ok {
			return
		}
		for _, gone := range dropped {
			s.publish(bus.KindMessageRemoved, gone)
		}
		s.publish(bus.KindMessageUpserted, stored)
	})
	switch {
	case err != nil:
		d.resolve(m, err)
	case !ok:
		// Discarded or reset while in flight.
		s.logger.Debug("acknowledged message no longer cached", zap.String("correlation_id", m.CorrelationID))
		confirmed.CorrelationID = m.CorrelationID
		d.resolve(confirmed, nil)
	default:
		d.resolve(stored, nil)
	}
}

func (s *Synchronizer) failSend(m Message, cause error, d *Delivery) {
	s.checkAuth(cause)
	err := remoteErr("send message", cause)
	failed := m
	failed.DeliveryStatus = StatusError
	failed.LastError = cause.Error()
	_ = s.do(s.life, func(c *cache) {
		if got, ok := c.fail(m.ConversationID, m.CorrelationID, cause.Error()); ok {
			failed = got
			s.publish(bus.KindMessageUpserted, got)
		}
	})
	d.resolve(failed, err)
}

// RetryMessage resends a failed message. id may be the provisional id or the
// correlation id.
func (s *Synchronizer) RetryMessage(ctx context.Context, id string) (Message, *Delivery, error) {
	creds, err := s.credentials()
	if err != nil {
		return Message{}, nil, err
	}
	var (
		m  Message
		ok bool
	)
	err = s.do(ctx, func(c *cache) {
		found, exists := c.find(id)
		if !exists {
			return
		}
		m, ok = c.requeue(found.ConversationID, found.CorrelationID)
		if ok {
			s.publish(bus.KindMessageUpserted, m)
		}
	})
	if err != nil {
		return Message{}, nil, err
	}
	if !ok {
		return Message{}, nil, apperr.Invalid("retry message", "no failed message %q", id)
	}
	d := newDelivery()
	s.enqueueSend(m, creds.Token, d)
	return m, d, nil
}

// DiscardMessage drops a failed message from the cache.
func (s *Synchronizer) DiscardMessage(ctx context.Context, id string) error {
	var ok bool
	err := s.do(ctx, func(c *cache) {
		m, exists := c.find(id)
		if !exists || !m.Provisional || m.DeliveryStatus != StatusError {
			return
		}
		removed, _ := c.remove(m.ConversationID, m.CorrelationID)
		s.publish(bus.KindMessageRemoved, removed)
		ok = true
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Invalid("discard message", "no failed message %q", id)
	}
	return nil
}

// GetMessages fetches a page of history older than beforeID (the newest
// page when empty), merges it into the cache and returns the cached page,
// oldest first. When a newer request for the same conversation is issued
// before this one's response arrives, the response is dropped and
// ErrSuperseded returned.
func (s *Synchronizer) GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	if conversationID == "" {
		return nil, apperr.Invalid("get messages", "conversation_id is required")
	}
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	if limit > maxPageSize {
		return nil, apperr.Invalid("get messages", "limit must be at most %d", maxPageSize)
	}
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}

	var seq uint64
	if err := s.do(ctx, func(c *cache) {
		t := c.thread(conversationID)
		t.pageSeq++
		seq = t.pageSeq
	}); err != nil {
		return nil, err
	}

	cctx, cancel := s.callCtx(ctx)
	fetched, err := s.backend.GetMessages(cctx, creds.Token, conversationID, limit, beforeID)
	cancel()
	if err != nil {
		s.checkAuth(err)
		return nil, remoteErr("get messages", err)
	}

	var (
		page  []Message
		stale bool
	)
	err = s.do(ctx, func(c *cache) {
		if c.thread(conversationID).pageSeq != seq {
			stale = true
			return
		}
		for _, m := range fetched {
			if m.ConversationID == "" {
				m.ConversationID = conversationID
			}
			if m.ConversationID != conversationID {
				continue
			}
			if m.ContentType == "" {
				m.ContentType = Text
			}
			if verr := apperr.Validate("get messages", m); verr != nil {
				s.logger.Warn("skipping invalid message", zap.Error(verr))
				continue
			}
			m.Provisional = false
			stored, _ := c.insert(m)
			s.publish(bus.KindMessageUpserted, stored)
		}
		page = c.page(conversationID, limit, beforeID)
	})
	if err != nil {
		return nil, err
	}
	if stale {
		metrics.StaleResponses.Inc()
		s.logger.Debug("discarding superseded page", zap.String("conversation_id", conversationID))
		return nil, ErrSuperseded
	}
	return page, nil
}

// CachedMessages returns every cached message of a conversation, oldest first.
func (s *Synchronizer) CachedMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	err := s.do(ctx, func(c *cache) { out = c.page(conversationID, 0, "") })
	return out, err
}

// MarkConversationRead marks every unread message from other participants
// as read by the user. The cache changes first; the backend is only called
// when something changed. A backend failure leaves the local state and is
// returned with the count.
func (s *Synchronizer) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, apperr.Invalid("mark read", "conversation_id is required")
	}
	creds, err := s.credentials()
	if err != nil {
		return 0, err
	}
	var changed []Message
	err = s.do(ctx, func(c *cache) {
		changed = c.markRead(conversationID, creds.User.ID, s.now())
		for _, m := range changed {
			s.publish(bus.KindMessageUpserted, m)
		}
		if len(changed) > 0 {
			if conv, ok := c.conversation(conversationID); ok {
				s.publish(bus.KindConversationUpserted, conv)
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if len(changed) == 0 {
		return 0, nil
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	if _, err := s.backend.MarkConversationRead(cctx, creds.Token, conversationID); err != nil {
		s.checkAuth(err)
		return len(changed), remoteErr("mark read", err)
	}
	return len(changed), nil
}

// MarkConversationDelivered tells the backend the conversation's messages
// reached this device and returns how many it updated.
func (s *Synchronizer) MarkConversationDelivered(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, apperr.Invalid("mark delivered", "conversation_id is required")
	}
	creds, err := s.credentials()
	if err != nil {
		return 0, err
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	n, err := s.backend.MarkConversationDelivered(cctx, creds.Token, conversationID)
	if err != nil {
		s.checkAuth(err)
		return 0, remoteErr("mark delivered", err)
	}
	return n, nil
}

// UnreadCount returns how many cached messages of a conversation the user
// has not read.
func (s *Synchronizer) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	creds, err := s.credentials()
	if err != nil {
		return 0, err
	}
	var n int
	err = s.do(ctx, func(c *cache) { n = c.unread(conversationID, creds.User.ID) })
	return n, err
}
