package chat

import (
	"github.com/matheus3301/smartlink/internal/bus"
	"github.com/matheus3301/smartlink/internal/metrics"
	"go.uber.org/zap"
)

func (s *Synchronizer) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case evt := <-s.events:
			s.process(evt)
		case <-s.life.Done():
			return
		}
	}
}

// process applies one push event to the cache and hands it to the
// registered handlers.
func (s *Synchronizer) process(evt Event) {
	if evt.Type == EventNewMessage {
		s.materialize(evt)
	}

	var deliver bool
	err := s.do(s.life, func(c *cache) {
		if !c.markSeen(evt.ID) {
			return
		}
		deliver = s.apply(c, &evt)
	})
	if err != nil {
		return
	}
	if !deliver {
		metrics.PushEvents.WithLabelValues(string(evt.Type), "duplicate").Inc()
		return
	}
	metrics.PushEvents.WithLabelValues(string(evt.Type), "dispatched").Inc()
	s.publish(bus.KindPushEvent, evt)

	s.handlersMu.RLock()
	handlers := append([]Handler(nil), s.handlers...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		s.invoke(h, evt)
	}
}

func (s *Synchronizer) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", zap.Any("panic", r), zap.String("event_id", evt.ID))
		}
	}()
	h(evt)
}

// materialize fetches the metadata of a conversation the cache has not seen
// yet. When the fetch fails a placeholder built from the event stands in
// until the next conversation refresh.
func (s *Synchronizer) materialize(evt Event) {
	var known bool
	if err := s.do(s.life, func(c *cache) { _, known = c.convs[evt.ConversationID] }); err != nil || known {
		return
	}
	creds, err := s.credentials()
	if err == nil {
		ctx, cancel := s.callCtx(s.life)
		var conv *Conversation
		conv, err = s.backend.GetConversation(ctx, creds.Token, evt.ConversationID)
		cancel()
		if err == nil {
			_, err = s.storeConversation(s.life, conv, evt.ConversationID)
		}
	}
	if err == nil {
		return
	}
	s.checkAuth(err)
	s.logger.Warn("could not materialize conversation", zap.String("conversation_id", evt.ConversationID), zap.Error(err))

	placeholder := Conversation{ID: evt.ConversationID, Type: Direct, CreatedAt: evt.Timestamp, UpdatedAt: evt.Timestamp}
	if m, ok := evt.Payload.(*Message); ok {
		placeholder.Participants = []string{m.SenderID}
		if creds.User.ID != "" && creds.User.ID != m.SenderID {
			placeholder.Participants = append(placeholder.Participants, creds.User.ID)
		}
	}
	_ = s.do(s.life, func(c *cache) {
		if _, ok := c.convs[placeholder.ID]; !ok {
			s.publish(bus.KindConversationUpserted, c.upsertConversation(placeholder))
		}
	})
}

// apply runs on the writer. It reports whether the event should reach handlers.
func (s *Synchronizer) apply(c *cache, evt *Event) bool {
	switch p := evt.Payload.(type) {
	case *Message:
		m := *p
		m.Provisional = false
		stored, inserted := c.insert(m)
		if !inserted {
			return false
		}
		evt.Payload = &stored
		s.publish(bus.KindMessageUpserted, stored)
		s.publishConversation(c, evt.ConversationID)

	case *ReadReceipt:
		at := p.At
		if at.IsZero() {
			at = evt.Timestamp
		}
		for _, m := range c.applyRead(evt.ConversationID, p.MessageID, p.UserID, at) {
			s.publish(bus.KindMessageUpserted, m)
		}

	case *DeliveryReceipt:
		if m, ok := c.applyDelivered(evt.ConversationID, p.MessageID); ok {
			s.publish(bus.KindMessageUpserted, m)
		}

	case *Presence:
		c.presence[p.UserID] = p.Status

	case *ConversationUpdate:
		conv := p.Conversation
		if conv.ID == "" {
			conv.ID = evt.ConversationID
		}
		// Membership events may carry only part of the metadata.
		if cur, ok := c.conversation(conv.ID); ok {
			if conv.Type == "" {
				conv.Type = cur.Type
			}
			if conv.Name == "" {
				conv.Name = cur.Name
			}
			if len(conv.Participants) == 0 {
				conv.Participants = cur.Participants
			}
		}
		s.publish(bus.KindConversationUpserted, c.upsertConversation(conv))

	case *Typing:
	}
	return true
}

func (s *Synchronizer) publishConversation(c *cache, id string) {
	if conv, ok := c.conversation(id); ok {
		s.publish(bus.KindConversationUpserted, conv)
	}
}
