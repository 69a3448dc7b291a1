package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/bus"
	"github.com/matheus3301/smartlink/internal/outbox"
	"github.com/matheus3301/smartlink/internal/push"
	"github.com/matheus3301/smartlink/internal/status"
	"go.uber.org/zap"
)

// fakeBackend records calls and serves configurable results.
type fakeBackend struct {
	mu            sync.Mutex
	calls         []string
	convs         map[string]Conversation
	pages         map[string][]Message
	sendFn        func(ctx context.Context, msg OutgoingMessage) (*Message, error)
	getMessagesFn func(ctx context.Context, convID string) ([]Message, error)
	getConvErr    error
	markReadErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		convs: map[string]Conversation{
			"c1": {ID: "c1", Type: Direct, Participants: []string{"u1", "u2"}},
			"g1": {ID: "g1", Type: Group, Name: "team", Participants: []string{"u1", "u2", "u3"}},
		},
		pages: make(map[string][]Message),
	}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeBackend) GetConversations(_ context.Context, _ string) ([]Conversation, error) {
	f.record("GetConversations")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Conversation
	for _, c := range f.convs {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeBackend) GetConversation(_ context.Context, _ string, id string) (*Conversation, error) {
	f.record("GetConversation")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getConvErr != nil {
		return nil, f.getConvErr
	}
	c, ok := f.convs[id]
	if !ok {
		return nil, &apperr.RemoteOperationError{Op: "get conversation", Status: 404}
	}
	return &c, nil
}

func (f *fakeBackend) CreateConversation(_ context.Context, _ string, req NewConversation) (*Conversation, error) {
	f.record("CreateConversation")
	return &Conversation{ID: "new-1", Type: req.Type, Name: req.Name, Participants: req.Participants}, nil
}

func (f *fakeBackend) AddGroupMember(_ context.Context, _ string, convID, userID string) (*Conversation, error) {
	f.record("AddGroupMember")
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.convs[convID]
	c.Participants = append(c.Participants, userID)
	f.convs[convID] = c
	return &c, nil
}

func (f *fakeBackend) RemoveGroupMember(_ context.Context, _ string, convID, _ string) (*Conversation, error) {
	f.record("RemoveGroupMember")
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.convs[convID]
	return &c, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, _ string, msg OutgoingMessage) (*Message, error) {
	f.record("SendMessage")
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &Message{ID: "m-1", ConversationID: msg.ConversationID, SenderID: "u1", Content: msg.Content, ContentType: msg.ContentType, Timestamp: time.Now()}, nil
}

func (f *fakeBackend) GetMessages(ctx context.Context, _ string, convID string, _ int, _ string) ([]Message, error) {
	f.record("GetMessages")
	if f.getMessagesFn != nil {
		return f.getMessagesFn(ctx, convID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.pages[convID]...), nil
}

func (f *fakeBackend) MarkConversationRead(_ context.Context, _ string, _ string) (int, error) {
	f.record("MarkConversationRead")
	if f.markReadErr != nil {
		return 0, f.markReadErr
	}
	return 1, nil
}

func (f *fakeBackend) MarkConversationDelivered(_ context.Context, _ string, _ string) (int, error) {
	f.record("MarkConversationDelivered")
	return 3, nil
}

// fakeLink is an in-memory push link.
type fakeLink struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan []byte, 64), out: make(chan []byte, 64), closed: make(chan struct{})}
}

func (l *fakeLink) ReadFrame() ([]byte, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-l.closed:
		return nil, push.ErrClosed
	}
}

func (l *fakeLink) WriteFrame(_ context.Context, data []byte) error {
	select {
	case <-l.closed:
		return push.ErrClosed
	default:
	}
	select {
	case l.out <- data:
		return nil
	default:
		return errors.New("write buffer full")
	}
}

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
}

func (t *fakeTransport) Dial(_ context.Context, _, _, _ string) (push.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	l := newFakeLink()
	t.links = append(t.links, l)
	return l, nil
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}

func (t *fakeTransport) last() *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[len(t.links)-1]
}

type fakeCreds struct {
	mu          sync.Mutex
	creds       *account.Credentials
	invalidated error
}

func (c *fakeCreds) Credentials() (account.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return account.Credentials{}, &apperr.AuthenticationError{Op: "credentials", Err: apperr.ErrNotAuthenticated}
	}
	return *c.creds, nil
}

func (c *fakeCreds) Invalidate(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = nil
	c.invalidated = reason
}

type harness struct {
	s         *Synchronizer
	backend   *fakeBackend
	transport *fakeTransport
	creds     *fakeCreds
	bus       *bus.Bus
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		backend:   newFakeBackend(),
		transport: &fakeTransport{},
		creds:     &fakeCreds{creds: &account.Credentials{Token: "tok", User: account.User{ID: "u1"}}},
		bus:       bus.New(),
	}
	logger := zap.NewNop()
	ob := outbox.NewSender(nil, h.bus, logger, outbox.Options{})
	if opts.Endpoint == "" {
		opts.Endpoint = "ws://push.test/ws"
	}
	h.s = New(h.backend, h.transport, h.creds, ob, h.bus, status.NewMachine(h.bus), logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.s.Start(ctx)
	ob.Start(ctx)
	t.Cleanup(func() {
		h.s.Stop()
		ob.Stop()
		cancel()
	})
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newMessageFrame(t *testing.T, eventID, convID, msgID, sender, content string, ts time.Time) []byte {
	t.Helper()
	frame := map[string]any{
		"event_type":      "new_message",
		"conversation_id": convID,
		"data": map[string]any{
			"id":              msgID,
			"conversation_id": convID,
			"sender_id":       sender,
			"content":         content,
			"content_type":    "Text",
			"timestamp":       ts.Format(time.RFC3339Nano),
		},
	}
	if eventID != "" {
		frame["id"] = eventID
	}
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func ids(msgs []Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return fmt.Sprint(out)
}

func TestSendMessageOptimisticThenReconciled(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.s.GetConversations(ctx); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	h.backend.sendFn = func(ctx context.Context, msg OutgoingMessage) (*Message, error) {
		<-release
		return &Message{ID: "m-42", ConversationID: msg.ConversationID, SenderID: "u1", Content: msg.Content, ContentType: Text, Timestamp: time.Now()}, nil
	}

	sent, d, err := h.s.SendMessage(ctx, SendRequest{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !sent.Provisional || sent.DeliveryStatus != StatusSent || sent.ContentType != Text {
		t.Errorf("provisional = %+v", sent)
	}

	// Visible immediately, before the backend answers.
	page, err := h.s.GetMessages(ctx, "c1", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != sent.ID || page[0].Content != "hello" {
		t.Fatalf("page before ack = %+v", page)
	}

	close(release)
	got, err := d.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "m-42" || got.Provisional || got.CorrelationID != sent.CorrelationID {
		t.Errorf("reconciled = %+v", got)
	}

	cached, _ := h.s.CachedMessages(ctx, "c1")
	if ids(cached) != "[m-42]" {
		t.Errorf("cache = %s, want [m-42]", ids(cached))
	}

	// The push copy of the confirmed message is a duplicate.
	var seen []Event
	var mu sync.Mutex
	h.s.OnEvent(func(e Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	h.transport.last().in <- newMessageFrame(t, "", "c1", "m-42", "u1", "hello", time.Now())
	h.transport.last().in <- newMessageFrame(t, "", "c1", "m-43", "u2", "hi", time.Now())
	eventually(t, "second push dispatched", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	mu.Lock()
	if seen[0].Payload.(*Message).ID != "m-43" {
		t.Errorf("dispatched %+v, want m-43 only", seen[0])
	}
	mu.Unlock()
	cached, _ = h.s.CachedMessages(ctx, "c1")
	if ids(cached) != "[m-42 m-43]" {
		t.Errorf("cache = %s", ids(cached))
	}
}

func TestPushEchoBeforeAckCollapses(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.s.GetConversations(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	h.backend.sendFn = func(ctx context.Context, msg OutgoingMessage) (*Message, error) {
		<-release
		return &Message{ID: "m-42", ConversationID: "c1", SenderID: "u1", Content: msg.Content, ContentType: Text, Timestamp: time.Now()}, nil
	}
	sent, d, err := h.s.SendMessage(ctx, SendRequest{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	h.transport.last().in <- newMessageFrame(t, "", "c1", "m-42", "u1", "hello", time.Now())
	eventually(t, "echo cached", func() bool {
		msgs, _ := h.s.CachedMessages(ctx, "c1")
		return len(msgs) == 2
	})

	close(release)
	got, err := d.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := h.s.CachedMessages(ctx, "c1")
	if ids(msgs) != "[m-42]" {
		t.Fatalf("cache = %s, want [m-42]", ids(msgs))
	}
	if msgs[0].CorrelationID != sent.CorrelationID || got.CorrelationID != sent.CorrelationID {
		t.Error("slot identity not preserved")
	}
}

func TestSendMessageFailureRetryDiscard(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	fail := true
	var mu sync.Mutex
	h.backend.sendFn = func(ctx context.Context, msg OutgoingMessage) (*Message, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, &apperr.RemoteOperationError{Op: "send", Status: 503}
		}
		return &Message{ID: "m-9", ConversationID: msg.ConversationID, SenderID: "u1", Content: msg.Content, ContentType: Text, Timestamp: time.Now()}, nil
	}

	sent, d, err := h.s.SendMessage(ctx, SendRequest{ConversationID: "c1", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	failed, err := d.Wait(ctx)
	if !apperr.IsRemote(err) {
		t.Fatalf("err = %v, want remote operation error", err)
	}
	if failed.DeliveryStatus != StatusError || failed.ID != sent.ID || failed.LastError == "" {
		t.Errorf("failed = %+v", failed)
	}
	msgs, _ := h.s.CachedMessages(ctx, "c1")
	if len(msgs) != 1 || msgs[0].DeliveryStatus != StatusError {
		t.Fatalf("cache = %+v, want the failed message", msgs)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	_, d, err = h.s.RetryMessage(ctx, sent.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "m-9" || got.DeliveryStatus != StatusSent {
		t.Errorf("retried = %+v", got)
	}

	// Only failed messages can be retried or discarded.
	if _, _, err := h.s.RetryMessage(ctx, "m-9"); !apperr.IsValidation(err) {
		t.Errorf("retry of delivered message: err = %v", err)
	}
	if err := h.s.DiscardMessage(ctx, "m-9"); !apperr.IsValidation(err) {
		t.Errorf("discard of delivered message: err = %v", err)
	}

	mu.Lock()
	fail = true
	mu.Unlock()
	sent, d, _ = h.s.SendMessage(ctx, SendRequest{ConversationID: "c1", Content: "y"})
	_, _ = d.Wait(ctx)
	if err := h.s.DiscardMessage(ctx, sent.ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ = h.s.CachedMessages(ctx, "c1")
	if ids(msgs) != "[m-9]" {
		t.Errorf("cache after discard = %s", ids(msgs))
	}
}

func TestSendMessageRejectsBeforeSideEffects(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name  string
		req   SendRequest
		creds bool
		check func(error) bool
	}{
		{"empty content", SendRequest{ConversationID: "c1"}, true, apperr.IsValidation},
		{"missing conversation", SendRequest{Content: "x"}, true, apperr.IsValidation},
		{"bad content type", SendRequest{ConversationID: "c1", Content: "x", ContentType: "Sticker"}, true, apperr.IsValidation},
		{"signed out", SendRequest{ConversationID: "c1", Content: "x"}, false, apperr.IsAuthentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.creds {
				h.creds.Invalidate(errors.New("logout"))
			}
			_, _, err := h.s.SendMessage(ctx, tt.req)
			if !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
	msgs, _ := h.s.CachedMessages(ctx, "c1")
	if len(msgs) != 0 || h.backend.count("SendMessage") != 0 {
		t.Errorf("side effects: cache %d, sends %d", len(msgs), h.backend.count("SendMessage"))
	}
}

func TestGetMessagesSupersededResponseDropped(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	n := 0
	h.backend.getMessagesFn = func(ctx context.Context, convID string) ([]Message, error) {
		mu.Lock()
		n++
		call := n
		mu.Unlock()
		if call == 1 {
			<-release
			return []Message{{ID: "old", ConversationID: convID, SenderID: "u2", ContentType: Text, Timestamp: time.Now()}}, nil
		}
		return []Message{{ID: "new", ConversationID: convID, SenderID: "u2", ContentType: Text, Timestamp: time.Now()}}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.s.GetMessages(ctx, "c1", 0, "")
		errCh <- err
	}()
	eventually(t, "first fetch in flight", func() bool { return h.backend.count("GetMessages") == 1 })

	page, err := h.s.GetMessages(ctx, "c1", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if ids(page) != "[new]" {
		t.Errorf("page = %s", ids(page))
	}

	close(release)
	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("first call err = %v, want ErrSuperseded", err)
	}
	msgs, _ := h.s.CachedMessages(ctx, "c1")
	if ids(msgs) != "[new]" {
		t.Errorf("stale page merged: %s", ids(msgs))
	}
}

func TestGetMessagesPagesOldestFirst(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	var page []Message
	for i := 5; i >= 1; i-- {
		page = append(page, Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c1", SenderID: "u2", Content: "x", ContentType: Text, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	// Duplicate ids in a page are merged.
	page = append(page, page[0])
	h.backend.pages["c1"] = page

	got, err := h.s.GetMessages(ctx, "c1", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if ids(got) != "[m1 m2 m3 m4 m5]" {
		t.Errorf("page = %s", ids(got))
	}

	got, err = h.s.GetMessages(ctx, "c1", 2, "m4")
	if err != nil {
		t.Fatal(err)
	}
	if ids(got) != "[m2 m3]" {
		t.Errorf("page before m4 = %s", ids(got))
	}

	if _, err := h.s.GetMessages(ctx, "c1", maxPageSize+1, ""); !apperr.IsValidation(err) {
		t.Errorf("oversized limit: err = %v", err)
	}
}

func TestMarkConversationRead(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	now := time.Now()
	h.backend.pages["c1"] = []Message{
		{ID: "a", ConversationID: "c1", SenderID: "u2", ContentType: Text, Timestamp: now.Add(-2 * time.Minute)},
		{ID: "b", ConversationID: "c1", SenderID: "u1", ContentType: Text, Timestamp: now.Add(-time.Minute)},
		{ID: "c", ConversationID: "c1", SenderID: "u2", ContentType: Text, Timestamp: now},
	}
	if _, err := h.s.GetMessages(ctx, "c1", 0, ""); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.s.UnreadCount(ctx, "c1"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}

	n, err := h.s.MarkConversationRead(ctx, "c1")
	if err != nil || n != 2 {
		t.Fatalf("marked %d, %v; want 2", n, err)
	}
	n, err = h.s.MarkConversationRead(ctx, "c1")
	if err != nil || n != 0 {
		t.Fatalf("second mark = %d, %v; want 0", n, err)
	}
	if calls := h.backend.count("MarkConversationRead"); calls != 1 {
		t.Errorf("backend called %d times, want 1", calls)
	}
}

func TestMarkConversationReadRemoteFailureKeepsLocalState(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.backend.pages["c1"] = []Message{{ID: "a", ConversationID: "c1", SenderID: "u2", ContentType: Text, Timestamp: time.Now()}}
	h.backend.markReadErr = &apperr.RemoteOperationError{Op: "mark read", Status: 500}
	if _, err := h.s.GetMessages(ctx, "c1", 0, ""); err != nil {
		t.Fatal(err)
	}

	n, err := h.s.MarkConversationRead(ctx, "c1")
	if !apperr.IsRemote(err) || n != 1 {
		t.Fatalf("got %d, %v", n, err)
	}
	if unread, _ := h.s.UnreadCount(ctx, "c1"); unread != 0 {
		t.Errorf("unread = %d, want 0 after optimistic mark", unread)
	}
}

func TestConnectLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if h.s.State() != status.Connected {
		t.Fatalf("state = %s", h.s.State())
	}
	var first struct {
		MessageType string            `json:"message_type"`
		SenderID    string            `json:"sender_id"`
		Data        map[string]string `json:"data"`
	}
	if err := json.Unmarshal(<-h.transport.last().out, &first); err != nil {
		t.Fatal(err)
	}
	if first.MessageType != "UserStatus" || first.SenderID != "u1" || first.Data["status"] != "online" {
		t.Errorf("first frame = %+v", first)
	}

	// Idempotent while connected.
	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if h.transport.dials() != 1 {
		t.Errorf("dials = %d, want 1", h.transport.dials())
	}

	if err := h.s.SendTypingIndicator(ctx, "c1", true, []string{"u2"}); err != nil {
		t.Fatal(err)
	}
	var typing map[string]any
	_ = json.Unmarshal(<-h.transport.last().out, &typing)
	if typing["message_type"] != "TypingIndicator" || typing["conversation_id"] != "c1" {
		t.Errorf("typing frame = %v", typing)
	}

	if err := h.s.SendWebRTCSignal(ctx, "", "u2", Signal{Type: "Dial"}); !apperr.IsValidation(err) {
		t.Errorf("unknown signal type error = %v, want validation", err)
	}
	if err := h.s.SendWebRTCSignal(ctx, "c1", "u2", Signal{Type: "Offer", Data: map[string]string{"sdp": "v=0"}}); err != nil {
		t.Fatal(err)
	}
	var signal map[string]any
	_ = json.Unmarshal(<-h.transport.last().out, &signal)
	if signal["message_type"] != "WebRTCSignal" || signal["recipient_id"] != "u2" {
		t.Errorf("signal frame = %v", signal)
	}

	h.s.Disconnect()
	h.s.Disconnect()
	if h.s.State() != status.Disconnected {
		t.Errorf("state = %s", h.s.State())
	}
	if err := h.s.SendTypingIndicator(ctx, "c1", false, nil); !apperr.IsConnection(err) {
		t.Errorf("typing while disconnected: err = %v", err)
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	h := newHarness(t, Options{})
	h.creds.Invalidate(errors.New("logout"))

	err := h.s.Connect(context.Background(), "")
	if !apperr.IsConnection(err) || !apperr.IsAuthentication(err) {
		t.Fatalf("err = %v, want connection error wrapping authentication error", err)
	}
	if h.transport.dials() != 0 || h.s.State() != status.Disconnected {
		t.Errorf("dials = %d, state = %s", h.transport.dials(), h.s.State())
	}
}

func TestConnectRejectedCredentials(t *testing.T) {
	h := newHarness(t, Options{})
	h.transport.err = fmt.Errorf("handshake: %w", push.ErrUnauthorized)

	err := h.s.Connect(context.Background(), "")
	if !apperr.IsConnection(err) || !apperr.IsAuthentication(err) {
		t.Fatalf("err = %v", err)
	}
	if h.s.State() != status.Error {
		t.Errorf("state = %s, want ERROR", h.s.State())
	}
	if h.creds.invalidated == nil {
		t.Error("credentials not invalidated")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	h := newHarness(t, Options{ReconnectAttempts: 3, ReconnectDelay: 10 * time.Millisecond})
	ctx := context.Background()
	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}

	_ = h.transport.last().Close()
	eventually(t, "reconnect", func() bool {
		return h.transport.dials() == 2 && h.s.State() == status.Connected
	})
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t, Options{ReconnectAttempts: 3, ReconnectDelay: 100 * time.Millisecond})
	ctx := context.Background()
	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}

	_ = h.transport.last().Close()
	eventually(t, "drop noticed", func() bool { return h.s.State() == status.Disconnected })
	h.s.Disconnect()

	time.Sleep(250 * time.Millisecond)
	if h.transport.dials() != 1 {
		t.Errorf("dials = %d, want 1 after Disconnect", h.transport.dials())
	}
}

func TestEventsDispatchedInOrderOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.s.GetConversations(ctx); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var first, second []string
	h.s.OnEvent(func(e Event) {
		mu.Lock()
		first = append(first, e.ID)
		mu.Unlock()
	})
	h.s.OnEvent(func(e Event) {
		mu.Lock()
		second = append(second, e.ID)
		mu.Unlock()
	})
	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	link := h.transport.last()
	now := time.Now()
	link.in <- newMessageFrame(t, "e1", "c1", "m1", "u2", "one", now)
	link.in <- []byte(`{"id":"e2","event_type":"typingIndicator","conversation_id":"c1","sender_id":"u2","data":{"is_typing":true}}`)
	link.in <- newMessageFrame(t, "e1", "c1", "m1", "u2", "one", now)
	link.in <- []byte(`not json`)
	link.in <- []byte(`{"id":"e3","event_type":"userStatus","sender_id":"u2","data":{"status":"online"}}`)

	eventually(t, "three events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(first) != "[e1 e2 e3]" || fmt.Sprint(second) != "[e1 e2 e3]" {
		t.Errorf("first = %v, second = %v", first, second)
	}
	online, _ := h.s.OnlineParticipants(ctx, "c1")
	if fmt.Sprint(online) != "[u2]" {
		t.Errorf("online = %v", online)
	}
}

func TestUnknownConversationMaterializedBeforeDispatch(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}

	found := make(chan bool, 1)
	h.s.OnEvent(func(e Event) {
		_, ok, _ := h.s.CachedConversation(ctx, e.ConversationID)
		found <- ok
	})
	h.transport.last().in <- newMessageFrame(t, "", "g1", "m1", "u3", "hey", time.Now())

	select {
	case ok := <-found:
		if !ok {
			t.Error("conversation not cached when handler ran")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	if h.backend.count("GetConversation") != 1 {
		t.Errorf("GetConversation calls = %d", h.backend.count("GetConversation"))
	}
}

func TestReadReceiptUpgradesOwnMessage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.s.GetConversations(ctx); err != nil {
		t.Fatal(err)
	}
	h.backend.sendFn = func(ctx context.Context, msg OutgoingMessage) (*Message, error) {
		return &Message{ID: "m-42", ConversationID: "c1", SenderID: "u1", Content: msg.Content, ContentType: Text, Timestamp: time.Now()}, nil
	}
	_, d, err := h.s.SendMessage(ctx, SendRequest{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.s.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}

	link := h.transport.last()
	link.in <- []byte(`{"id":"r1","event_type":"messageStatusUpdate","conversation_id":"c1","sender_id":"u2","message_id":"m-42","data":{"status":"delivered"}}`)
	link.in <- []byte(`{"id":"r2","event_type":"messageStatusUpdate","conversation_id":"c1","sender_id":"u2","message_id":"m-42","data":{"status":"read"}}`)
	// A late delivery receipt never downgrades.
	link.in <- []byte(`{"id":"r3","event_type":"delivery_receipt","conversation_id":"c1","sender_id":"u2","message_id":"m-42"}`)

	eventually(t, "read status", func() bool {
		msgs, _ := h.s.CachedMessages(ctx, "c1")
		return len(msgs) == 1 && msgs[0].DeliveryStatus == StatusRead
	})
	time.Sleep(50 * time.Millisecond)
	msgs, _ := h.s.CachedMessages(ctx, "c1")
	if msgs[0].DeliveryStatus != StatusRead || !msgs[0].ReadBy("u2") {
		t.Errorf("message = %+v", msgs[0])
	}
	conv, _, _ := h.s.CachedConversation(ctx, "c1")
	if conv.LastMessage == nil || !conv.LastMessage.ReadByAll {
		t.Errorf("preview = %+v", conv.LastMessage)
	}
}

func TestRestoreFailsInterruptedSends(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	now := time.Now()
	err := h.s.Restore(ctx, Snapshot{
		Conversations: []Conversation{{ID: "c1", Type: Direct, Participants: []string{"u1", "u2"}}},
		Messages: []Message{
			{ID: "m1", CorrelationID: "k1", ConversationID: "c1", SenderID: "u2", ContentType: Text, Timestamp: now.Add(-time.Minute), DeliveryStatus: StatusSent},
			{ID: "tmp-k2", CorrelationID: "k2", ConversationID: "c1", SenderID: "u1", ContentType: Text, Timestamp: now, DeliveryStatus: StatusSent, Provisional: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := h.s.CachedMessages(ctx, "c1")
	if len(msgs) != 2 || msgs[1].DeliveryStatus != StatusError || msgs[0].DeliveryStatus != StatusSent {
		t.Fatalf("restored = %+v", msgs)
	}
	if _, _, err := h.s.RetryMessage(ctx, "tmp-k2"); err != nil {
		t.Errorf("retry restored message: %v", err)
	}

	if err := h.s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	convs, _ := h.s.Conversations(ctx)
	if len(convs) != 0 {
		t.Errorf("conversations after reset = %d", len(convs))
	}
}

func TestCreateConversationRules(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if _, err := h.s.CreateConversation(ctx, NewConversation{Type: Direct, Participants: []string{"u2", "u3"}}); !apperr.IsValidation(err) {
		t.Errorf("direct with 3 participants: err = %v", err)
	}
	if _, err := h.s.CreateGroup(ctx, "solo", nil); !apperr.IsValidation(err) {
		t.Errorf("group of one: err = %v", err)
	}
	if h.backend.count("CreateConversation") != 0 {
		t.Fatal("backend called for invalid request")
	}

	conv, err := h.s.CreateConversation(ctx, NewConversation{Participants: []string{"u2"}})
	if err != nil {
		t.Fatal(err)
	}
	if conv.Type != Direct || fmt.Sprint(conv.Participants) != "[u1 u2]" {
		t.Errorf("conv = %+v", conv)
	}

	if _, err := h.s.GetConversations(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.AddGroupMember(ctx, "c1", "u9"); !apperr.IsValidation(err) {
		t.Errorf("add member to direct: err = %v", err)
	}
	g, err := h.s.AddGroupMember(ctx, "g1", "u4")
	if err != nil {
		t.Fatal(err)
	}
	if !g.HasParticipant("u4") {
		t.Errorf("group = %+v", g)
	}
}

func TestAuthFailureInvalidatesSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.backend.getMessagesFn = func(context.Context, string) ([]Message, error) {
		return nil, &apperr.AuthenticationError{Op: "get messages", Err: errors.New("401")}
	}
	_, err := h.s.GetMessages(context.Background(), "c1", 0, "")
	if !apperr.IsAuthentication(err) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.creds.Credentials(); err == nil {
		t.Error("credentials still valid after 401")
	}
}
