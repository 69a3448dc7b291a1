package chat

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/metrics"
	"github.com/matheus3301/smartlink/internal/push"
	"github.com/matheus3301/smartlink/internal/status"
	"go.uber.org/zap"
)

var (
	errNotConnected   = errors.New("push channel not connected")
	errHandshakeAbort = errors.New("disconnected during handshake")
)

// Connect opens the push channel. It is a no-op while already connecting or
// connected. An empty endpoint reuses the last one.
func (s *Synchronizer) Connect(ctx context.Context, endpoint string) error {
	creds, err := s.credentials()
	if err != nil {
		return &apperr.ConnectionError{Op: "connect", Err: err}
	}
	if !s.machine.CompareAndTransition(status.Disconnected, status.Connecting) &&
		!s.machine.CompareAndTransition(status.Error, status.Connecting) {
		return nil
	}

	s.connMu.Lock()
	if endpoint == "" {
		endpoint = s.endpoint
	}
	s.endpoint = endpoint
	s.wantConnected = true
	s.stopReconnectLocked()
	s.connMu.Unlock()

	if endpoint == "" {
		s.machine.CompareAndTransition(status.Connecting, status.Error)
		return &apperr.ConnectionError{Op: "connect", Err: apperr.Invalid("connect", "no push endpoint configured")}
	}
	return s.dial(ctx, creds, endpoint)
}

func (s *Synchronizer) dial(ctx context.Context, creds account.Credentials, endpoint string) error {
	dctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	link, err := s.transport.Dial(dctx, endpoint, creds.Token, creds.User.ID)
	if err == nil {
		err = s.announce(dctx, link, creds.User.ID)
		if err != nil {
			_ = link.Close()
		}
	}
	if err != nil {
		s.machine.CompareAndTransition(status.Connecting, status.Error)
		if errors.Is(err, push.ErrUnauthorized) {
			s.creds.Invalidate(err)
			err = &apperr.AuthenticationError{Op: "connect", Err: err}
		}
		s.logger.Warn("push connect failed", zap.String("endpoint", endpoint), zap.Error(err))
		return &apperr.ConnectionError{Op: "connect", Err: err}
	}

	s.connMu.Lock()
	if !s.machine.CompareAndTransition(status.Connecting, status.Connected) {
		s.connMu.Unlock()
		_ = link.Close()
		return &apperr.ConnectionError{Op: "connect", Err: errHandshakeAbort}
	}
	s.linkGen++
	gen := s.linkGen
	s.link = link
	s.attempts = 0
	s.connMu.Unlock()

	s.logger.Info("push connected", zap.String("endpoint", endpoint), zap.String("user_id", creds.User.ID))
	go s.readLoop(link, gen)
	return nil
}

// announce sends the online status frame that opens every session.
func (s *Synchronizer) announce(ctx context.Context, link push.Link, userID string) error {
	frame, err := encodeFrame(frameUserStatus, userID, "", "", map[string]string{"status": "online"}, s.now())
	if err != nil {
		return err
	}
	return link.WriteFrame(ctx, frame)
}

// Disconnect closes the push channel and cancels any pending reconnect.
// It is valid in every state.
func (s *Synchronizer) Disconnect() {
	s.connMu.Lock()
	s.wantConnected = false
	s.stopReconnectLocked()
	link := s.link
	s.link = nil
	s.linkGen++
	s.machine.Reset()
	s.connMu.Unlock()

	if link != nil {
		_ = link.Close()
		s.logger.Info("push disconnected")
	}
}

func (s *Synchronizer) readLoop(link push.Link, gen uint64) {
	for {
		frame, err := link.ReadFrame()
		if err != nil {
			s.linkDown(gen, err)
			return
		}
		evt, err := DecodeEvent(frame, s.now())
		if err != nil {
			if errors.Is(err, ErrUnsupportedEvent) {
				s.logger.Debug("ignoring push frame", zap.Error(err))
				metrics.PushEvents.WithLabelValues("unknown", "ignored").Inc()
			} else {
				s.logger.Warn("invalid push frame", zap.Error(err))
				metrics.PushEvents.WithLabelValues("unknown", "invalid").Inc()
			}
			continue
		}
		select {
		case s.events <- evt:
		case <-s.life.Done():
			return
		}
	}
}

// linkDown handles a transport drop of link generation gen.
func (s *Synchronizer) linkDown(gen uint64, err error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if gen != s.linkGen || s.link == nil {
		return
	}
	_ = s.link.Close()
	s.link = nil
	s.machine.Reset()

	if push.IsNormalClose(err) {
		s.logger.Info("push channel closed by server")
	} else {
		s.logger.Warn("push channel dropped", zap.Error(err))
	}
	s.scheduleReconnectLocked()
}

func (s *Synchronizer) scheduleReconnectLocked() {
	if !s.wantConnected || s.life.Err() != nil || s.attempts >= s.opts.ReconnectAttempts {
		if s.wantConnected && s.opts.ReconnectAttempts > 0 {
			s.logger.Warn("giving up reconnecting", zap.Int("attempts", s.attempts))
		}
		return
	}
	s.attempts++
	delay := s.opts.ReconnectDelay * time.Duration(s.attempts)
	endpoint := s.endpoint
	s.logger.Info("reconnect scheduled", zap.Int("attempt", s.attempts), zap.Duration("delay", delay))
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(endpoint) })
}

func (s *Synchronizer) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Synchronizer) reconnect(endpoint string) {
	if s.life.Err() != nil {
		return
	}
	s.connMu.Lock()
	want := s.wantConnected
	attempts := s.attempts
	s.connMu.Unlock()
	if !want {
		return
	}

	metrics.Reconnects.Inc()
	err := s.Connect(s.life, endpoint)
	if err == nil {
		return
	}
	if apperr.IsAuthentication(err) {
		s.logger.Warn("reconnect stopped: credentials rejected", zap.Error(err))
		return
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	// Connect resets the counter only on success.
	s.attempts = attempts
	if s.link == nil {
		s.scheduleReconnectLocked()
	}
}

// writeFrame sends a fire-and-forget frame on the live link.
func (s *Synchronizer) writeFrame(ctx context.Context, kind, conversationID, recipientID string, data any) error {
	creds, err := s.credentials()
	if err != nil {
		return err
	}
	s.connMu.Lock()
	link := s.link
	s.connMu.Unlock()
	if link == nil {
		return &apperr.ConnectionError{Op: kind, Err: errNotConnected}
	}

	frame, err := encodeFrame(kind, creds.User.ID, conversationID, recipientID, data, s.now())
	if err != nil {
		return err
	}
	wctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := link.WriteFrame(wctx, frame); err != nil {
		return &apperr.ConnectionError{Op: kind, Err: err}
	}
	return nil
}

// SendTypingIndicator tells recipients whether the user is typing in a
// conversation. Recipients default to the cached participants.
func (s *Synchronizer) SendTypingIndicator(ctx context.Context, conversationID string, typing bool, recipients []string) error {
	if conversationID == "" {
		return apperr.Invalid("send typing", "conversation_id is required")
	}
	if len(recipients) == 0 {
		if conv, ok, err := s.CachedConversation(ctx, conversationID); err == nil && ok {
			recipients = conv.Participants
		}
	}
	return s.writeFrame(ctx, frameTyping, conversationID, "", map[string]any{
		"is_typing":  typing,
		"recipients": recipients,
	})
}

// SendChatMessage pushes a raw chat frame over the push channel, bypassing
// the cache and the outbox.
func (s *Synchronizer) SendChatMessage(ctx context.Context, conversationID string, payload any) error {
	if conversationID == "" || payload == nil {
		return apperr.Invalid("send chat frame", "conversation_id and payload are required")
	}
	return s.writeFrame(ctx, frameChatMessage, conversationID, "", payload)
}

// SendWebRTCSignal relays a call signalling payload to one recipient.
// conversationID may be empty.
func (s *Synchronizer) SendWebRTCSignal(ctx context.Context, conversationID, recipientID string, signal Signal) error {
	if recipientID == "" {
		return apperr.Invalid("send webrtc signal", "recipient_id is required")
	}
	if err := apperr.Validate("send webrtc signal", signal); err != nil {
		return err
	}
	return s.writeFrame(ctx, frameWebRTC, conversationID, recipientID, signal)
}

// Signal is a WebRTC signalling message.
type Signal struct {
	Type string `json:"signal_type" validate:"oneof=Offer Answer IceCandidate Hangup"`
	Data any    `json:"signal_data"`
}
